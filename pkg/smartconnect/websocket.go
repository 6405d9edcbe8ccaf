package smartconnect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedURI           = "wss://smartapisocket.angelone.in/smart-stream"
	heartbeatMessage  = "ping"
	heartbeatInterval = 10 * time.Second

	// Reconnect policy: exponential backoff capped at 60s with jitter, and a
	// hard pause after too many consecutive failures.
	backoffBase     = time.Second
	backoffCap      = 60 * time.Second
	backoffExpCap   = 6
	jitterMax       = 500 * time.Millisecond
	breakerFailures = 10
	breakerPause    = 5 * time.Minute
)

// ErrDialRejected marks a handshake refused with a non-retryable HTTP status
// (401/403/404): bad credentials or a bad endpoint. Backing off cannot help;
// the socket stays DISCONNECTED until the tokens are reloaded and Connect is
// called again.
var ErrDialRejected = errors.New("feed handshake rejected")

// ConnState is the feed connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnectRequired
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectRequired:
		return "RECONNECT_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Subscription modes and exchange types per the SmartAPI stream protocol.
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP = 1

	NSE_CM = 1
	BSE_CM = 3
)

// TokenListEntry groups tokens by exchange for subscribe requests.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// FeedTick is one parsed LTP packet. LTP is already in paise on the wire.
type FeedTick struct {
	Token      string
	LTP        int64
	ExchangeTS time.Time
	ReceivedTS time.Time
}

// FeedSocket manages the market data websocket: connect, heartbeat,
// resubscribe, and reconnection with backoff and a failure-count breaker.
type FeedSocket struct {
	authToken  string
	apiKey     string
	clientCode string
	feedToken  string

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	subs    map[int][]string // exchangeType -> tokens (LTP mode only)
	closing bool

	consecutiveFailures int

	// OnTick receives every parsed LTP packet.
	OnTick func(t FeedTick)
	// OnStateChange is called on every connection state transition.
	OnStateChange func(from, to ConnState)
	// TokenRefresh is called before a reconnect attempt so expired feed
	// credentials can be swapped in (optional).
	TokenRefresh func() (authToken, feedToken string, err error)

	dialer  *websocket.Dialer
	uri     string
	done    chan struct{}
	randSrc *rand.Rand
}

// NewFeedSocket creates a FeedSocket. Call Connect to start.
func NewFeedSocket(authToken, apiKey, clientCode, feedToken string) (*FeedSocket, error) {
	if authToken == "" || apiKey == "" || clientCode == "" || feedToken == "" {
		return nil, errors.New("smartconnect: feed socket requires all four tokens")
	}
	return &FeedSocket{
		authToken:  authToken,
		apiKey:     apiKey,
		clientCode: clientCode,
		feedToken:  feedToken,
		state:      StateDisconnected,
		subs:       make(map[int][]string),
		dialer:     websocket.DefaultDialer,
		uri:        feedURI,
		done:       make(chan struct{}),
		randSrc:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetURI overrides the stream endpoint (tests, relay).
func (s *FeedSocket) SetURI(uri string) { s.uri = uri }

// SetTokens swaps the feed credentials ahead of a fresh Connect, also
// clearing the failure count so the next dial starts with full backoff
// headroom.
func (s *FeedSocket) SetTokens(authToken, feedToken string) {
	s.mu.Lock()
	s.authToken, s.feedToken = authToken, feedToken
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *FeedSocket) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the stream and starts the read and heartbeat loops. On
// failure the caller owns retry; once connected, reconnects are automatic.
func (s *FeedSocket) Connect() error {
	s.setState(StateConnecting)

	header := http.Header{}
	header.Add("Authorization", s.authToken)
	header.Add("x-api-key", s.apiKey)
	header.Add("x-client-code", s.clientCode)
	header.Add("x-feed-token", s.feedToken)

	conn, resp, err := s.dialer.Dial(s.uri, header)
	if err != nil {
		s.setState(StateDisconnected)
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return fmt.Errorf("feed dial (%s): %w", resp.Status, ErrDialRejected)
			}
			return fmt.Errorf("feed dial (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("feed dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.consecutiveFailures = 0
	s.mu.Unlock()
	s.setState(StateConnected)

	conn.SetPongHandler(func(string) error { return nil })

	go s.readLoop(conn)
	go s.heartbeatLoop(conn)

	return s.resubscribe()
}

// Close shuts the socket down for good; no reconnect follows.
func (s *FeedSocket) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	s.setState(StateDisconnected)
}

// Subscribe registers tokens for LTP mode and sends the request if connected.
// The subscription set survives reconnects.
func (s *FeedSocket) Subscribe(exchangeType int, tokens []string) error {
	s.mu.Lock()
	s.subs[exchangeType] = mergeTokens(s.subs[exchangeType], tokens)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil // sent on next (re)connect
	}
	return s.send(conn, subscribeRequest(SubscribeAction, exchangeType, tokens))
}

// Unsubscribe removes tokens and sends the request if connected.
func (s *FeedSocket) Unsubscribe(exchangeType int, tokens []string) error {
	s.mu.Lock()
	s.subs[exchangeType] = removeTokens(s.subs[exchangeType], tokens)
	if len(s.subs[exchangeType]) == 0 {
		delete(s.subs, exchangeType)
	}
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.send(conn, subscribeRequest(UnsubscribeAction, exchangeType, tokens))
}

func subscribeRequest(action, exchangeType int, tokens []string) map[string]any {
	return map[string]any{
		"action": action,
		"params": map[string]any{
			"mode": ModeLTP,
			"tokenList": []TokenListEntry{
				{ExchangeType: exchangeType, Tokens: tokens},
			},
		},
	}
}

func (s *FeedSocket) resubscribe() error {
	s.mu.Lock()
	conn := s.conn
	pending := make(map[int][]string, len(s.subs))
	for ex, toks := range s.subs {
		pending[ex] = append([]string(nil), toks...)
	}
	s.mu.Unlock()

	for ex, toks := range pending {
		if len(toks) == 0 {
			continue
		}
		if err := s.send(conn, subscribeRequest(SubscribeAction, ex, toks)); err != nil {
			return fmt.Errorf("resubscribe exchange %d: %w", ex, err)
		}
	}
	return nil
}

// send serializes all writes on the connection.
func (s *FeedSocket) send(conn *websocket.Conn, v any) error {
	if conn == nil {
		return errors.New("feed: not connected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteJSON(v)
}

// sendText writes a bare text frame. The heartbeat must be the literal bytes
// `ping`, not a JSON string.
func (s *FeedSocket) sendText(conn *websocket.Conn, msg string) error {
	if conn == nil {
		return errors.New("feed: not connected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *FeedSocket) readLoop(conn *websocket.Conn) {
	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("[feed] read error: %v", err)
			s.setState(StateReconnectRequired)
			go s.reconnectLoop()
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			tick, err := parseLTPPacket(message)
			if err != nil {
				continue
			}
			if s.OnTick != nil {
				s.OnTick(tick)
			}
		case websocket.TextMessage:
			// "pong" heartbeat replies and error JSON; nothing to do.
		}
	}
}

func (s *FeedSocket) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return // superseded by a reconnect
			}
			if err := s.sendText(conn, heartbeatMessage); err != nil {
				return // read loop notices the dead conn
			}
		}
	}
}

// reconnectLoop retries forever with exponential backoff and jitter. After
// breakerFailures consecutive failures it pauses for breakerPause before
// trying again.
func (s *FeedSocket) reconnectLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		failures := s.consecutiveFailures
		s.mu.Unlock()

		if failures >= breakerFailures {
			log.Printf("[feed] %d consecutive failures, pausing %s", failures, breakerPause)
			if !s.sleep(breakerPause) {
				return
			}
			s.mu.Lock()
			s.consecutiveFailures = 0
			s.mu.Unlock()
		}

		if !s.sleep(s.backoff(failures)) {
			return
		}

		if s.TokenRefresh != nil {
			auth, feed, err := s.TokenRefresh()
			if err != nil {
				log.Printf("[feed] token refresh failed: %v", err)
			} else {
				s.mu.Lock()
				s.authToken, s.feedToken = auth, feed
				s.mu.Unlock()
			}
		}

		if err := s.Connect(); err != nil {
			if errors.Is(err, ErrDialRejected) {
				log.Printf("[feed] %v; staying disconnected until token reload", err)
				return
			}
			s.mu.Lock()
			s.consecutiveFailures++
			n := s.consecutiveFailures
			s.mu.Unlock()
			log.Printf("[feed] reconnect attempt %d failed: %v", n, err)
			continue
		}
		log.Printf("[feed] reconnected")
		return
	}
}

// backoff computes min(2^min(failures, 6) * 1s, 60s) plus [0, 500ms) jitter.
func (s *FeedSocket) backoff(failures int) time.Duration {
	exp := failures
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	d := backoffBase * time.Duration(1<<uint(exp))
	if d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(s.randSrc.Int63n(int64(jitterMax)))
}

// sleep waits for d or until Close. Returns false when closing.
func (s *FeedSocket) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *FeedSocket) setState(to ConnState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to && s.OnStateChange != nil {
		s.OnStateChange(from, to)
	}
}

// parseLTPPacket decodes the 51-byte LTP binary layout:
// mode(1) exchange(1) token(25) sequence(8) exchange_ts_ms(8) ltp_paise(8).
func parseLTPPacket(b []byte) (FeedTick, error) {
	if len(b) < 51 {
		return FeedTick{}, errors.New("ltp packet too short")
	}
	token := b[2:27]
	end := len(token)
	for i, c := range token {
		if c == 0 {
			end = i
			break
		}
	}
	exTsMs := int64(binary.LittleEndian.Uint64(b[35:43]))
	ltp := int64(binary.LittleEndian.Uint64(b[43:51]))
	return FeedTick{
		Token:      string(token[:end]),
		LTP:        ltp,
		ExchangeTS: time.UnixMilli(exTsMs).UTC(),
		ReceivedTS: time.Now().UTC(),
	}, nil
}

func mergeTokens(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, t := range append(existing, add...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func removeTokens(existing, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, t := range remove {
		drop[t] = struct{}{}
	}
	out := make([]string, 0, len(existing))
	for _, t := range existing {
		if _, ok := drop[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
