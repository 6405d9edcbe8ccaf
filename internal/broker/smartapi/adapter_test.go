package smartapi

import (
	"context"
	"testing"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/sessionclock"
	"trading-enginev1/pkg/smartconnect"
)

func testAdapter() *Adapter {
	return New(Config{
		APIKey:     "k",
		ClientCode: "C1",
		Instruments: []model.Instrument{
			{Token: "3045", Exchange: "NSE", TradingSymbol: "SBIN-EQ"},
			{Token: "1594", Exchange: "NSE", TradingSymbol: "INFY-EQ"},
		},
	})
}

var midSession = time.Date(2026, 8, 24, 11, 0, 0, 0, sessionclock.IST)

func TestStaleFeedBlocksOrders(t *testing.T) {
	a := testAdapter()
	a.connected.Store(true)
	a.now = func() time.Time { return midSession }

	// Fresh tick: orders allowed.
	a.lastTickUnixMs.Store(midSession.Add(-time.Minute).UnixMilli())
	if !a.CanPlaceOrders() {
		t.Error("fresh feed should allow orders")
	}

	// Silent for six minutes mid-session: read-only.
	a.lastTickUnixMs.Store(midSession.Add(-6 * time.Minute).UnixMilli())
	if a.CanPlaceOrders() {
		t.Error("stale feed should block orders")
	}
}

func TestIsConnectedFalseWhenFeedStale(t *testing.T) {
	a := testAdapter()
	a.connected.Store(true)
	a.now = func() time.Time { return midSession }

	a.lastTickUnixMs.Store(midSession.Add(-time.Minute).UnixMilli())
	if !a.IsConnected() {
		t.Error("connected socket with a fresh feed should report connected")
	}

	// Socket still up, but silent past the stale window mid-session.
	a.lastTickUnixMs.Store(midSession.Add(-6 * time.Minute).UnixMilli())
	if a.IsConnected() {
		t.Error("silent feed must report disconnected")
	}
}

func TestStaleFeedIgnoredOutsideSession(t *testing.T) {
	a := testAdapter()
	a.connected.Store(true)
	evening := time.Date(2026, 8, 24, 20, 0, 0, 0, sessionclock.IST)
	a.now = func() time.Time { return evening }
	a.lastTickUnixMs.Store(evening.Add(-2 * time.Hour).UnixMilli())

	if a.feedStale() {
		t.Error("feed silence outside market hours is not staleness")
	}
}

func TestCanPlaceOrdersGates(t *testing.T) {
	a := testAdapter()
	a.now = func() time.Time { return midSession }
	a.lastTickUnixMs.Store(midSession.UnixMilli())

	if a.CanPlaceOrders() {
		t.Error("disconnected adapter should not place orders")
	}
	a.connected.Store(true)
	if !a.CanPlaceOrders() {
		t.Error("connected + fresh feed should allow orders")
	}
	a.SetReadOnly(true)
	if a.CanPlaceOrders() {
		t.Error("read-only adapter should not place orders")
	}
}

func TestPlaceOrderRefusedWhenDisconnected(t *testing.T) {
	a := testAdapter()
	res, err := a.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "SBIN-EQ", Qty: 1})
	if err != nil {
		t.Fatalf("err = %v, want gate failure as result", err)
	}
	if res.Success || res.ErrorCode != broker.CodeNotConnected {
		t.Errorf("result = %+v", res)
	}
}

func TestOnFeedTickMapsTokenAndRings(t *testing.T) {
	a := testAdapter()
	ts := midSession.UTC()

	a.onFeedTick(smartconnect.FeedTick{Token: "3045", LTP: 50025, ExchangeTS: ts, ReceivedTS: ts})
	a.onFeedTick(smartconnect.FeedTick{Token: "9999", LTP: 1, ExchangeTS: ts, ReceivedTS: ts}) // unknown token

	tick, ok := a.ring.Pop()
	if !ok {
		t.Fatal("tick not pushed to ring")
	}
	if tick.Symbol != "SBIN-EQ" || tick.Price != 50025 {
		t.Errorf("tick = %+v", tick)
	}
	if _, ok := a.ring.Pop(); ok {
		t.Error("unknown token should be dropped")
	}
	if a.lastTickUnixMs.Load() != ts.UnixMilli() {
		t.Error("last tick timestamp not updated")
	}
}

var sessionOpen = time.Date(2026, 8, 24, 9, 15, 0, 0, sessionclock.IST).UTC()

func min1(ts time.Time, o, h, l, c, v int64) model.Candle {
	return model.Candle{Symbol: "SBIN-EQ", Timeframe: model.LTF, TS: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestAggregateBaseDiscardsTrailingPartial(t *testing.T) {
	// 30 minutes of 1m candles: one complete 25m bucket plus 5 minutes of
	// the next. With to = open+30m the second bucket is incomplete.
	var base []model.Candle
	for i := 0; i < 30; i++ {
		base = append(base, min1(sessionOpen.Add(time.Duration(i)*time.Minute), 100, 110, 90, 105, 1))
	}

	out := aggregateBase("SBIN-EQ", model.ITF, base, sessionOpen.Add(30*time.Minute))
	if len(out) != 1 {
		t.Fatalf("buckets = %d, want 1 (trailing partial discarded)", len(out))
	}
	if !out[0].TS.Equal(sessionOpen) || out[0].Volume != 25 {
		t.Errorf("bucket = %+v", out[0])
	}
}

func TestAggregateBaseKeepsCompleteTrailingBucket(t *testing.T) {
	var base []model.Candle
	for i := 0; i < 50; i++ {
		base = append(base, min1(sessionOpen.Add(time.Duration(i)*time.Minute), 100, 110, 90, 105, 1))
	}
	out := aggregateBase("SBIN-EQ", model.ITF, base, sessionOpen.Add(50*time.Minute))
	if len(out) != 2 {
		t.Fatalf("buckets = %d, want 2", len(out))
	}
	if out[1].Volume != 25 {
		t.Errorf("second bucket volume = %d", out[1].Volume)
	}
}

func TestOrderStatusClassification(t *testing.T) {
	st := toOrderStatus(smartconnect.OrderDetail{
		OrderID: "B1", Status: "complete", FilledShares: "10",
		AveragePrice: 500.25, OrderTag: "int1",
	})
	if st.Kind() != model.OrderStatusFilled {
		t.Errorf("kind = %v", st.Kind())
	}
	if st.AveragePrice != 50025 || st.FilledQuantity != 10 {
		t.Errorf("status = %+v", st)
	}

	st = toOrderStatus(smartconnect.OrderDetail{OrderID: "B2", Status: "rejected", Text: "margin"})
	if st.Kind() != model.OrderStatusRejected || st.StatusMessage != "margin" {
		t.Errorf("status = %+v", st)
	}
}
