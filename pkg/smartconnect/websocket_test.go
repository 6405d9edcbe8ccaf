package smartconnect

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffFormula(t *testing.T) {
	s := &FeedSocket{randSrc: rand.New(rand.NewSource(1))}

	cases := []struct {
		failures int
		base     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second}, // 64s capped at 60s
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		d := s.backoff(tc.failures)
		if d < tc.base || d >= tc.base+jitterMax {
			t.Errorf("backoff(%d) = %v, want [%v, %v)", tc.failures, d, tc.base, tc.base+jitterMax)
		}
	}
}

func TestParseLTPPacket(t *testing.T) {
	b := make([]byte, 51)
	b[0] = ModeLTP
	b[1] = NSE_CM
	copy(b[2:27], "3045")
	binary.LittleEndian.PutUint64(b[27:35], 7)                // sequence
	binary.LittleEndian.PutUint64(b[35:43], 1756023300000)    // exchange ts ms
	binary.LittleEndian.PutUint64(b[43:51], uint64(50025))    // ltp paise

	tick, err := parseLTPPacket(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.Token != "3045" {
		t.Errorf("token = %q", tick.Token)
	}
	if tick.LTP != 50025 {
		t.Errorf("ltp = %d", tick.LTP)
	}
	if tick.ExchangeTS.UnixMilli() != 1756023300000 {
		t.Errorf("exchange ts = %v", tick.ExchangeTS)
	}
}

func TestParseLTPPacketTooShort(t *testing.T) {
	if _, err := parseLTPPacket(make([]byte, 50)); err == nil {
		t.Error("expected error for short packet")
	}
}

func TestSubscriptionSetMergeRemove(t *testing.T) {
	got := mergeTokens([]string{"1", "2"}, []string{"2", "3"})
	if len(got) != 3 {
		t.Errorf("merge = %v", got)
	}
	got = removeTokens(got, []string{"1", "3"})
	if len(got) != 1 || got[0] != "2" {
		t.Errorf("remove = %v", got)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectHandshake401IsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := NewFeedSocket("a", "k", "c", "f")
	if err != nil {
		t.Fatal(err)
	}
	s.SetURI(wsURL(srv.URL))

	err = s.Connect()
	if !errors.Is(err, ErrDialRejected) {
		t.Fatalf("err = %v, want ErrDialRejected", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State())
	}
}

func TestConnectHandshake503StaysRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewFeedSocket("a", "k", "c", "f")
	if err != nil {
		t.Fatal(err)
	}
	s.SetURI(wsURL(srv.URL))

	err = s.Connect()
	if err == nil {
		t.Fatal("expected dial failure against a 503 endpoint")
	}
	if errors.Is(err, ErrDialRejected) {
		t.Errorf("503 classified non-retryable: %v", err)
	}
}

func TestHeartbeatIsBareTextFrame(t *testing.T) {
	type frame struct {
		mt      int
		payload []byte
	}
	got := make(chan frame, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- frame{mt, p}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s := &FeedSocket{}
	if err := s.sendText(conn, heartbeatMessage); err != nil {
		t.Fatalf("sendText: %v", err)
	}
	select {
	case f := <-got:
		if f.mt != websocket.TextMessage || string(f.payload) != "ping" {
			t.Errorf("frame = (%d, %q), want bare text ping", f.mt, f.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat frame never arrived")
	}
}

func TestRupeeConversion(t *testing.T) {
	if p := RupeesToPaise(500.25); p != 50025 {
		t.Errorf("paise = %d", p)
	}
	if p := RupeesToPaise(0.005); p != 1 {
		t.Errorf("rounding = %d", p)
	}
	if s := PaiseToRupeeString(50025); s != "500.25" {
		t.Errorf("rupee string = %q", s)
	}
	if s := PaiseToRupeeString(50005); s != "500.05" {
		t.Errorf("rupee string = %q", s)
	}
}
