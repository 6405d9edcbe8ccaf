package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
)

var upgrader = websocket.Upgrader{}

// tickServer serves one websocket connection and writes each payload once.
func tickServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestRelayDeliversTicks(t *testing.T) {
	srv := tickServer(t, []string{
		`{"symbol":"SBIN-EQ","price":50025,"qty":10}`,
		`{not json`,
		`{"symbol":"INFY-EQ","price":185005,"qty":5}`,
	})
	defer srv.Close()

	a, err := New(Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := a.Connect(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("Connect: res=%+v err=%v", res, err)
	}
	defer a.Disconnect(context.Background())

	var got []model.Tick
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tick := <-a.Ticks():
			got = append(got, tick)
		case <-timeout:
			t.Fatalf("got %d ticks, want 2", len(got))
		}
	}

	if got[0].Symbol != "SBIN-EQ" || got[0].Price != 50025 {
		t.Errorf("first tick = %+v", got[0])
	}
	if got[1].Symbol != "INFY-EQ" || got[1].Qty != 5 {
		t.Errorf("second tick = %+v", got[1])
	}
	if got[0].ReceivedTS.IsZero() {
		t.Error("ReceivedTS should be stamped when missing from the wire")
	}
	if !a.IsConnected() {
		t.Error("adapter should report connected")
	}
}

func TestRelayConnectFailure(t *testing.T) {
	a, err := New(Config{URL: "ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := a.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if res.Success || res.ErrorCode != broker.CodeNotConnected {
		t.Errorf("result = %+v", res)
	}
}

func TestRelayIsFeedOnly(t *testing.T) {
	a, err := New(Config{URL: "ws://localhost/ws"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.CanPlaceOrders() {
		t.Error("relay must never allow order placement")
	}

	ctx := context.Background()
	res, err := a.PlaceOrder(ctx, model.OrderRequest{Symbol: "SBIN-EQ", Qty: 1})
	if err != nil {
		t.Fatalf("PlaceOrder err = %v", err)
	}
	if res.Success || res.ErrorCode != broker.CodeReadOnly {
		t.Errorf("PlaceOrder result = %+v", res)
	}

	if res, _ := a.ModifyOrder(ctx, "B1", 100, 1); res.ErrorCode != broker.CodeReadOnly {
		t.Errorf("ModifyOrder result = %+v", res)
	}
	if res, _ := a.CancelOrder(ctx, "B1"); res.ErrorCode != broker.CodeReadOnly {
		t.Errorf("CancelOrder result = %+v", res)
	}
	if _, err := a.GetOrderStatus(ctx, "B1"); err != broker.ErrReadOnly {
		t.Errorf("GetOrderStatus err = %v", err)
	}
	if _, err := a.GetFunds(ctx); err != broker.ErrReadOnly {
		t.Errorf("GetFunds err = %v", err)
	}
	if _, err := a.GetHistoricalCandles(ctx, "SBIN-EQ", model.LTF, time.Now(), time.Now()); err != broker.ErrReadOnly {
		t.Errorf("GetHistoricalCandles err = %v", err)
	}
}

func TestRelaySubscriptionBookkeeping(t *testing.T) {
	a, err := New(Config{URL: "ws://localhost/ws"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.SubscribeTicks([]string{"SBIN-EQ", "INFY-EQ"}); err != nil {
		t.Fatal(err)
	}
	if err := a.UnsubscribeTicks([]string{"SBIN-EQ"}); err != nil {
		t.Fatal(err)
	}
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	if _, ok := a.subs["SBIN-EQ"]; ok {
		t.Error("SBIN-EQ should be unsubscribed")
	}
	if _, ok := a.subs["INFY-EQ"]; !ok {
		t.Error("INFY-EQ should remain subscribed")
	}
}
