package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/coordinator"
	"trading-enginev1/internal/model"
	sqlitestore "trading-enginev1/internal/store/sqlite"
	"trading-enginev1/internal/trades"
)

type fakeAdapter struct {
	broker.Adapter

	mu       sync.Mutex
	statuses map[string]model.BrokerOrderStatus
	calls    int
}

func (f *fakeAdapter) GetOrderStatus(_ context.Context, orderID string) (*model.BrokerOrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	st, ok := f.statuses[orderID]
	if !ok {
		return nil, broker.ErrNotConnected
	}
	return &st, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	tradeRepo  *sqlitestore.TradeRepo
	intentRepo *sqlitestore.ExitIntentRepo
	tms        *trades.Service
	adapter    *fakeAdapter
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

	tradeRepo := sqlitestore.NewTradeRepo(db)
	intentRepo := sqlitestore.NewExitIntentRepo(db)
	tms := trades.New(trades.Config{Trades: tradeRepo, ExitIntents: intentRepo, Coordinator: coord, ExitCoordinator: exitCoord})
	return &fixture{
		tradeRepo:  tradeRepo,
		intentRepo: intentRepo,
		tms:        tms,
		adapter:    &fakeAdapter{statuses: make(map[string]model.BrokerOrderStatus)},
	}
}

func (f *fixture) insertPendingTrade(t *testing.T, tradeID, brokerOrderID string, createdAt time.Time) {
	t.Helper()
	tr := &model.Trade{
		TradeID:       tradeID,
		ClientOrderID: "int-" + tradeID,
		UserID:        "U1",
		Symbol:        "SBIN-EQ",
		Direction:     model.DirectionBuy,
		Class:         model.TradeClassNew,
		Status:        model.TradePending,
		EntryPrice:    50000,
		EntryQty:      10,
		BrokerOrderID: brokerOrderID,
		CreatedAt:     createdAt,
	}
	if err := f.tradeRepo.Insert(context.Background(), tr); err != nil {
		t.Fatalf("insert trade: %v", err)
	}
}

func TestPendingTimeoutSkipsBrokerCall(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC().Add(-11*time.Minute))

	r := NewPendingReconciler(PendingConfig{}, f.tradeRepo, f.tms, f.adapter)
	r.RunCycle(context.Background())

	if f.adapter.callCount() != 0 {
		t.Error("timed-out row must be rejected without a broker call")
	}
	got, _ := f.tradeRepo.FindByID(context.Background(), "t1")
	if got.Status != model.TradeRejected || got.ErrorCode != broker.CodeTimeout {
		t.Errorf("trade = %s %s", got.Status, got.ErrorCode)
	}
	st := r.Stats()
	if st.TotalTimeouts != 1 || st.TotalChecked != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPendingFillTransitionsToOpen(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC().Add(-time.Minute))
	f.adapter.statuses["B-1"] = model.BrokerOrderStatus{
		OrderID: "B-1", Status: "COMPLETE",
		AveragePrice: 50025, FilledQuantity: 10, UpdatedAt: time.Now().UTC(),
	}

	r := NewPendingReconciler(PendingConfig{}, f.tradeRepo, f.tms, f.adapter)
	r.RunCycle(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.tradeRepo.FindByID(context.Background(), "t1")
		if got.Status == model.TradeOpen {
			if got.EntryPrice != 50025 {
				t.Errorf("entry price = %d", got.EntryPrice)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("trade never reached OPEN")
}

func TestPendingRejectionPropagates(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())
	f.adapter.statuses["B-1"] = model.BrokerOrderStatus{
		OrderID: "B-1", Status: "REJECTED", StatusMessage: "rms block",
	}

	r := NewPendingReconciler(PendingConfig{}, f.tradeRepo, f.tms, f.adapter)
	r.RunCycle(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.tradeRepo.FindByID(context.Background(), "t1")
		if got.Status == model.TradeRejected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rejection never propagated")
}

func TestPendingRateLimitedWhenNoPermits(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())

	r := NewPendingReconciler(PendingConfig{MaxConcurrent: 2}, f.tradeRepo, f.tms, f.adapter)
	// Exhaust the permit pool.
	r.sem.tryAcquire()
	r.sem.tryAcquire()

	r.RunCycle(context.Background())
	if f.adapter.callCount() != 0 {
		t.Error("broker called without a permit")
	}
	st := r.Stats()
	if st.TotalRateLimited != 1 || st.AvailablePermits != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// placedIntent inserts an exit intent and drives it APPROVED→PLACED via the
// repository CAS.
func (f *fixture) placedIntent(t *testing.T, id, tradeID, brokerOrderID string, placedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	e := &model.ExitIntent{
		ExitIntentID:  id,
		TradeID:       tradeID,
		UserBrokerID:  "UB1",
		Symbol:        "SBIN-EQ",
		ExitReason:    model.ExitTargetHit,
		OrderType:     model.OrderTypeMarket,
		CalculatedQty: 10,
		Status:        model.ExitIntentApproved,
	}
	if err := f.intentRepo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	won, err := f.intentRepo.PlaceExitOrder(ctx, id, model.PlaceholderOrderID(placedAt), placedAt)
	if err != nil || !won {
		t.Fatalf("PlaceExitOrder: won=%v err=%v", won, err)
	}
	if brokerOrderID != "" {
		if err := f.intentRepo.UpdateBrokerOrderID(ctx, id, brokerOrderID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExitFillClosesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An EXITING trade with its exit order working at the broker.
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())
	tr, _ := f.tradeRepo.FindByID(ctx, "t1")
	tr.Status = model.TradeExiting
	tr.EntryPrice = 50000
	tr.EntryTimestamp = time.Now().UTC().Add(-48 * time.Hour)
	if err := f.tradeRepo.Update(ctx, tr); err != nil {
		t.Fatal(err)
	}

	f.placedIntent(t, "e1", "t1", "X-1", time.Now().UTC().Add(-time.Minute))
	f.adapter.statuses["X-1"] = model.BrokerOrderStatus{
		OrderID: "X-1", Status: "COMPLETE",
		AveragePrice: 55500, FilledQuantity: 10, UpdatedAt: time.Now().UTC(),
	}

	r := NewExitReconciler(ExitConfig{}, f.intentRepo, f.tms, f.adapter, nil)
	r.RunCycle(ctx)

	got, _ := f.intentRepo.FindByID(ctx, "e1")
	if got.Status != model.ExitIntentFilled {
		t.Errorf("intent = %s", got.Status)
	}
	trAfter, _ := f.tradeRepo.FindByID(ctx, "t1")
	if trAfter.Status != model.TradeClosed {
		t.Fatalf("trade = %s, want CLOSED", trAfter.Status)
	}
	if trAfter.RealizedPnl != (55500-50000)*10 {
		t.Errorf("pnl = %d", trAfter.RealizedPnl)
	}
	if trAfter.HoldingDays != 2 {
		t.Errorf("holding days = %d", trAfter.HoldingDays)
	}
}

func TestExitTimeoutMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())
	f.placedIntent(t, "e1", "t1", "X-1", time.Now().UTC().Add(-11*time.Minute))

	r := NewExitReconciler(ExitConfig{}, f.intentRepo, f.tms, f.adapter, nil)
	r.RunCycle(context.Background())

	if f.adapter.callCount() != 0 {
		t.Error("timed-out intent must not trigger a broker call")
	}
	got, _ := f.intentRepo.FindByID(context.Background(), "e1")
	if got.Status != model.ExitIntentFailed || got.ErrorCode != broker.CodeTimeout {
		t.Errorf("intent = %s %s", got.Status, got.ErrorCode)
	}
}

func TestExitPlaceholderRowsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())
	// Placeholder id still in place: the broker call never completed.
	f.placedIntent(t, "e1", "t1", "", time.Now().UTC().Add(-time.Minute))

	r := NewExitReconciler(ExitConfig{}, f.intentRepo, f.tms, f.adapter, nil)
	r.RunCycle(context.Background())

	if f.adapter.callCount() != 0 {
		t.Error("placeholder order id must not be polled")
	}
	got, _ := f.intentRepo.FindByID(context.Background(), "e1")
	if got.Status != model.ExitIntentPlaced {
		t.Errorf("intent = %s, want PLACED untouched", got.Status)
	}
}

func TestExitCancellationMarksCancelled(t *testing.T) {
	f := newFixture(t)
	f.insertPendingTrade(t, "t1", "B-1", time.Now().UTC())
	f.placedIntent(t, "e1", "t1", "X-1", time.Now().UTC())
	f.adapter.statuses["X-1"] = model.BrokerOrderStatus{OrderID: "X-1", Status: "CANCELLED"}

	r := NewExitReconciler(ExitConfig{}, f.intentRepo, f.tms, f.adapter, nil)
	r.RunCycle(context.Background())

	got, _ := f.intentRepo.FindByID(context.Background(), "e1")
	if got.Status != model.ExitIntentCancelled {
		t.Errorf("intent = %s", got.Status)
	}
}
