// Package relay implements broker.Adapter over an internal tick relay
// websocket (cmd/tickrelay). The wire format is plain JSON model.Tick. The
// adapter is feed-only: every order mutation fails with a read-only result,
// which lets the engine run in RELAY data mode with trading disabled by
// construction.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
)

// Config configures the relay adapter.
type Config struct {
	// URL of the tick relay, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial backoff. Defaults to 2s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Adapter is the read-only relay implementation of broker.Adapter.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closing   atomic.Bool

	ticks chan model.Tick
	done  chan struct{}

	subsMu sync.Mutex
	subs   map[string]struct{}
}

// New creates the adapter. Returns an error if the URL is unparseable.
func New(cfg Config) (*Adapter, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	return &Adapter{
		cfg:   cfg,
		ticks: make(chan model.Tick, 4096),
		done:  make(chan struct{}),
		subs:  make(map[string]struct{}),
	}, nil
}

// Connect dials the relay and starts the read loop with auto-reconnect.
func (a *Adapter) Connect(_ context.Context) (model.ConnectionResult, error) {
	conn, _, err := websocket.DefaultDialer.Dial(a.cfg.URL, nil)
	if err != nil {
		return model.ConnectionResult{
			ErrorCode: broker.CodeNotConnected,
			Message:   err.Error(),
		}, fmt.Errorf("relay dial %s: %w", a.cfg.URL, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.connected.Store(true)
	log.Printf("[relay] connected to %s", a.cfg.URL)

	go a.readLoop(conn)
	return model.ConnectionResult{Success: true}, nil
}

// Disconnect closes the socket for good.
func (a *Adapter) Disconnect(_ context.Context) error {
	if a.closing.Swap(true) {
		return nil
	}
	close(a.done)
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	a.connected.Store(false)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			a.connected.Store(false)
			if a.closing.Load() {
				return
			}
			log.Printf("[relay] read error: %v", err)
			a.reconnectLoop()
			return
		}

		var t model.Tick
		if err := json.Unmarshal(message, &t); err != nil {
			log.Printf("[relay] bad tick payload: %v", err)
			continue
		}
		if t.ReceivedTS.IsZero() {
			t.ReceivedTS = time.Now().UTC()
		}
		select {
		case a.ticks <- t:
		default:
			log.Println("[relay] tick channel full, dropping tick")
		}
	}
}

func (a *Adapter) reconnectLoop() {
	delay := a.cfg.ReconnectDelay
	for {
		select {
		case <-a.done:
			return
		case <-time.After(delay + time.Duration(rand.Int63n(int64(500*time.Millisecond)))):
		}

		conn, _, err := websocket.DefaultDialer.Dial(a.cfg.URL, nil)
		if err != nil {
			log.Printf("[relay] reconnect failed: %v", err)
			delay *= 2
			if delay > a.cfg.MaxReconnectDelay {
				delay = a.cfg.MaxReconnectDelay
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.connected.Store(true)
		log.Printf("[relay] reconnected")
		go a.readLoop(conn)
		return
	}
}

// IsConnected reports whether the relay socket is live.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// CanPlaceOrders is always false: the relay carries no order routing.
func (a *Adapter) CanPlaceOrders() bool { return false }

// Ticks returns the tick stream.
func (a *Adapter) Ticks() <-chan model.Tick { return a.ticks }

// SubscribeTicks records interest; the relay pushes everything it has, so
// this only tracks state for introspection.
func (a *Adapter) SubscribeTicks(symbols []string) error {
	a.subsMu.Lock()
	for _, s := range symbols {
		a.subs[s] = struct{}{}
	}
	a.subsMu.Unlock()
	return nil
}

// UnsubscribeTicks removes recorded interest.
func (a *Adapter) UnsubscribeTicks(symbols []string) error {
	a.subsMu.Lock()
	for _, s := range symbols {
		delete(a.subs, s)
	}
	a.subsMu.Unlock()
	return nil
}

func readOnlyResult() model.OrderResult {
	return model.OrderResult{
		Success:   false,
		ErrorCode: broker.CodeReadOnly,
		Message:   "relay adapter is feed-only",
	}
}

// PlaceOrder always fails: the relay is feed-only.
func (a *Adapter) PlaceOrder(context.Context, model.OrderRequest) (model.OrderResult, error) {
	return readOnlyResult(), nil
}

// ModifyOrder always fails: the relay is feed-only.
func (a *Adapter) ModifyOrder(context.Context, string, int64, int64) (model.OrderResult, error) {
	return readOnlyResult(), nil
}

// CancelOrder always fails: the relay is feed-only.
func (a *Adapter) CancelOrder(context.Context, string) (model.OrderResult, error) {
	return readOnlyResult(), nil
}

func (a *Adapter) GetOrderStatus(context.Context, string) (*model.BrokerOrderStatus, error) {
	return nil, broker.ErrReadOnly
}

func (a *Adapter) GetOpenOrders(context.Context) ([]model.BrokerOrderStatus, error) {
	return nil, broker.ErrReadOnly
}

func (a *Adapter) GetPositions(context.Context) ([]model.PositionInfo, error) {
	return nil, broker.ErrReadOnly
}

func (a *Adapter) GetHoldings(context.Context) ([]model.HoldingInfo, error) {
	return nil, broker.ErrReadOnly
}

func (a *Adapter) GetFunds(context.Context) (*model.FundsInfo, error) {
	return nil, broker.ErrReadOnly
}

// GetLTP is unavailable over the relay; callers use the price cache instead.
func (a *Adapter) GetLTP(context.Context, string) (int64, error) {
	return 0, broker.ErrReadOnly
}

// GetHistoricalCandles is unavailable over the relay.
func (a *Adapter) GetHistoricalCandles(context.Context, string, model.Timeframe, time.Time, time.Time) ([]model.Candle, error) {
	return nil, broker.ErrReadOnly
}

func (a *Adapter) GetInstruments(context.Context) ([]model.Instrument, error) {
	return nil, nil
}

// ReloadToken is a no-op: the relay has no credentials.
func (a *Adapter) ReloadToken(context.Context) error { return nil }

var _ broker.Adapter = (*Adapter)(nil)
