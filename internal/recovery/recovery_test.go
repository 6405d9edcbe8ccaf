package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/candlestore"
	"trading-enginev1/internal/coordinator"
	"trading-enginev1/internal/marketdata/aggregator"
	"trading-enginev1/internal/marketdata/backfill"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/reconcile"
	sqlitestore "trading-enginev1/internal/store/sqlite"
	"trading-enginev1/internal/trades"
)

type fakeHistory struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeHistory) GetHistoricalCandles(_ context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAdapter struct {
	broker.Adapter
}

func (f *fakeAdapter) GetOrderStatus(context.Context, string) (*model.BrokerOrderStatus, error) {
	return nil, broker.ErrNotConnected
}

type fixture struct {
	mgr       *Manager
	tradeRepo *sqlitestore.TradeRepo
	tms       *trades.Service
	history   *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	coord := coordinator.New(8)
	t.Cleanup(func() { coord.Shutdown() })
	exitCoord := coordinator.New(8)
	t.Cleanup(func() { exitCoord.Shutdown() })

	candleRepo := sqlitestore.NewCandleRepo(db)
	store := candlestore.New(candleRepo)
	agg := aggregator.New(store)
	history := &fakeHistory{}
	bf := backfill.New(history, store, agg)

	tradeRepo := sqlitestore.NewTradeRepo(db)
	intentRepo := sqlitestore.NewExitIntentRepo(db)
	tms := trades.New(trades.Config{Trades: tradeRepo, ExitIntents: intentRepo, Coordinator: coord, ExitCoordinator: exitCoord})

	pending := reconcile.NewPendingReconciler(reconcile.PendingConfig{}, tradeRepo, tms, &fakeAdapter{})
	exits := reconcile.NewExitReconciler(reconcile.ExitConfig{}, intentRepo, tms, &fakeAdapter{}, nil)

	mgr := New(store, bf, tms, pending, exits, []string{"SBIN-EQ"})
	return &fixture{mgr: mgr, tradeRepo: tradeRepo, tms: tms, history: history}
}

func TestStartupRebuildsActiveIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := &model.Trade{
		TradeID: "t1", ClientOrderID: "int1", UserID: "U1",
		Symbol: "SBIN-EQ", Direction: model.DirectionBuy,
		Class: model.TradeClassNew, Status: model.TradeOpen,
		EntryPrice: 50000, EntryQty: 10,
	}
	if err := f.tradeRepo.Insert(ctx, open); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.RunStartup(ctx); err != nil {
		t.Fatalf("RunStartup: %v", err)
	}
	if !f.tms.Index().Contains("t1") {
		t.Error("open trade missing from rebuilt index")
	}
}

func TestStartupReconcilesStalePendingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &model.Trade{
		TradeID: "t1", ClientOrderID: "int1", UserID: "U1",
		Symbol: "SBIN-EQ", Direction: model.DirectionBuy,
		Class: model.TradeClassNew, Status: model.TradePending,
		BrokerOrderID: "B-1",
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	if err := f.tradeRepo.Insert(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.RunStartup(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.tradeRepo.FindByID(ctx, "t1")
	if got.Status != model.TradeRejected {
		t.Errorf("stale pending trade = %s, want REJECTED after startup reconcile", got.Status)
	}
}

func TestReconnectOutsideSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	// Sunday, well outside any session.
	f.mgr.now = func() time.Time {
		return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	}

	f.mgr.OnReconnect(context.Background())
	if f.history.callCount() != 0 {
		t.Error("no backfill should run outside market hours")
	}
}
