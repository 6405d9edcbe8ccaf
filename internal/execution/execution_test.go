package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/coordinator"
	"trading-enginev1/internal/model"
	sqlitestore "trading-enginev1/internal/store/sqlite"
	"trading-enginev1/internal/trades"
)

// fakeAdapter implements the slice of broker.Adapter the execution path
// touches; the embedded interface panics on anything else.
type fakeAdapter struct {
	broker.Adapter

	mu       sync.Mutex
	canPlace bool
	placed   []model.OrderRequest
	result   model.OrderResult
}

func (f *fakeAdapter) CanPlaceOrders() bool { return f.canPlace }

func (f *fakeAdapter) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return f.result, nil
}

func (f *fakeAdapter) placedOrders() []model.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OrderRequest(nil), f.placed...)
}

type fixture struct {
	tms     *trades.Service
	trades  *sqlitestore.TradeRepo
	intents *sqlitestore.ExitIntentRepo
	adapter *fakeAdapter
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
		tms:     tms,
		trades:  tradeRepo,
		intents: intentRepo,
		adapter: &fakeAdapter{canPlace: true, result: model.OrderResult{Success: true, OrderID: "B-100"}},
	}
}

func approvedIntent(id string) *model.TradeIntent {
	return &model.TradeIntent{
		IntentID:         id,
		UserID:           "U1",
		BrokerID:         "angel",
		UserBrokerID:     "UB1",
		Symbol:           "SBIN-EQ",
		Direction:        model.DirectionBuy,
		OrderType:        model.OrderTypeLimit,
		ProductType:      "DELIVERY",
		CalculatedQty:    10,
		LimitPrice:       50000,
		ValidationPassed: true,
	}
}

func TestEntryPlacesOrderAndMarksPending(t *testing.T) {
	f := newFixture(t)
	entry := NewEntry(f.tms, nil, f.adapter, nil, true)

	if err := entry.HandleApprovedIntent(context.Background(), approvedIntent("int1")); err != nil {
		t.Fatalf("HandleApprovedIntent: %v", err)
	}

	orders := f.adapter.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(orders))
	}
	if orders[0].ClientOrderID != "int1" || orders[0].Price != 50000 {
		t.Errorf("order = %+v", orders[0])
	}

	tr, _ := f.trades.FindByIntentID(context.Background(), "int1")
	if tr.Status != model.TradePending || tr.BrokerOrderID != "B-100" {
		t.Errorf("trade = %s broker=%s", tr.Status, tr.BrokerOrderID)
	}
}

func TestEntryRefusedWhenTradingDisabled(t *testing.T) {
	f := newFixture(t)
	entry := NewEntry(f.tms, nil, f.adapter, nil, false)

	err := entry.HandleApprovedIntent(context.Background(), approvedIntent("int1"))
	if !errors.Is(err, ErrTradingDisabled) {
		t.Fatalf("err = %v, want ErrTradingDisabled", err)
	}
	if len(f.adapter.placedOrders()) != 0 {
		t.Error("no order may reach the broker with trading disabled")
	}
	tr, _ := f.trades.FindByIntentID(context.Background(), "int1")
	if tr != nil {
		t.Errorf("trade row %s persisted behind a closed gate", tr.TradeID)
	}
}

func TestEntryRefusedWhenAdapterReadOnly(t *testing.T) {
	f := newFixture(t)
	f.adapter.canPlace = false
	entry := NewEntry(f.tms, nil, f.adapter, nil, true)

	err := entry.HandleApprovedIntent(context.Background(), approvedIntent("int1"))
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if len(f.adapter.placedOrders()) != 0 {
		t.Error("read-only adapter must not receive orders")
	}
	tr, _ := f.trades.FindByIntentID(context.Background(), "int1")
	if tr != nil {
		t.Errorf("trade row %s persisted behind a closed gate", tr.TradeID)
	}
}

func TestEntryBrokerRejectionMarksTrade(t *testing.T) {
	f := newFixture(t)
	f.adapter.result = model.OrderResult{Success: false, ErrorCode: broker.CodeOrderRejected, Message: "rms block"}
	entry := NewEntry(f.tms, nil, f.adapter, nil, true)

	if err := entry.HandleApprovedIntent(context.Background(), approvedIntent("int1")); err != nil {
		t.Fatal(err)
	}
	tr, _ := f.trades.FindByIntentID(context.Background(), "int1")
	if tr.Status != model.TradeRejected || tr.ErrorMessage != "rms block" {
		t.Errorf("trade = %s %q", tr.Status, tr.ErrorMessage)
	}
}

func TestEntryUnvalidatedIntentRefused(t *testing.T) {
	f := newFixture(t)
	entry := NewEntry(f.tms, nil, f.adapter, nil, true)

	intent := approvedIntent("int1")
	intent.ValidationPassed = false
	if err := entry.HandleApprovedIntent(context.Background(), intent); err == nil {
		t.Fatal("unvalidated intent must be refused")
	}
	if len(f.adapter.placedOrders()) != 0 {
		t.Error("no order for an unvalidated intent")
	}
}

// openTrade gets a trade to OPEN through the management service.
func (f *fixture) openTrade(t *testing.T) *model.Trade {
	t.Helper()
	ctx := context.Background()
	entry := NewEntry(f.tms, nil, f.adapter, nil, true)
	if err := entry.HandleApprovedIntent(ctx, approvedIntent("int1")); err != nil {
		t.Fatal(err)
	}
	if err := f.tms.OnBrokerOrderUpdate(ctx, model.BrokerOrderStatus{
		OrderID: "B-100", Status: "COMPLETE", AveragePrice: 50010, FilledQuantity: 10,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	// Drain the coordinator partition.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr, _ := f.trades.FindByIntentID(ctx, "int1")
		if tr != nil && tr.Status == model.TradeOpen {
			return tr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("trade never reached OPEN")
	return nil
}

func approvedExitIntent(tradeID string) model.ExitIntent {
	now := time.Now().UTC()
	return model.ExitIntent{
		ExitIntentID:  "exit1",
		TradeID:       tradeID,
		UserBrokerID:  "UB1",
		Symbol:        "SBIN-EQ",
		ExitReason:    model.ExitTargetHit,
		OrderType:     model.OrderTypeMarket,
		CalculatedQty: 10,
		Status:        model.ExitIntentApproved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestExitPlacesReverseOrderOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.openTrade(t)
	ctx := context.Background()

	intent := approvedExitIntent(tr.TradeID)
	if err := f.intents.Insert(ctx, &intent); err != nil {
		t.Fatal(err)
	}

	f.adapter.mu.Lock()
	f.adapter.placed = nil
	f.adapter.result = model.OrderResult{Success: true, OrderID: "X-200"}
	f.adapter.mu.Unlock()
	exit := NewExit(f.intents, f.trades, f.tms, f.adapter, nil)

	// Two racing placements for the same intent: the CAS lets one through.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exit.PlaceExit(ctx, intent)
		}()
	}
	wg.Wait()

	orders := f.adapter.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("placed %d exit orders, want exactly 1", len(orders))
	}
	if orders[0].TransactionType != model.DirectionSell {
		t.Errorf("exit side = %s, want SELL for a long trade", orders[0].TransactionType)
	}

	got, _ := f.intents.FindByID(ctx, "exit1")
	if got.Status != model.ExitIntentPlaced || got.BrokerOrderID != "X-200" {
		t.Errorf("intent = %s broker=%s", got.Status, got.BrokerOrderID)
	}
	if model.IsPlaceholderOrderID(got.BrokerOrderID) {
		t.Error("placeholder should be overwritten with the broker id")
	}

	trAfter, _ := f.trades.FindByID(ctx, tr.TradeID)
	if trAfter.Status != model.TradeExiting || trAfter.ExitOrderID != "X-200" {
		t.Errorf("trade = %s exitOrder=%s", trAfter.Status, trAfter.ExitOrderID)
	}
}

func TestExitBrokerFailureMarksIntentFailed(t *testing.T) {
	f := newFixture(t)
	tr := f.openTrade(t)
	ctx := context.Background()

	intent := approvedExitIntent(tr.TradeID)
	if err := f.intents.Insert(ctx, &intent); err != nil {
		t.Fatal(err)
	}
	f.adapter.mu.Lock()
	f.adapter.result = model.OrderResult{Success: false, ErrorCode: broker.CodeOrderRejected, Message: "no position"}
	f.adapter.mu.Unlock()

	exit := NewExit(f.intents, f.trades, f.tms, f.adapter, nil)
	exit.PlaceExit(ctx, intent)

	got, _ := f.intents.FindByID(ctx, "exit1")
	if got.Status != model.ExitIntentFailed || got.ErrorCode != broker.CodeOrderRejected {
		t.Errorf("intent = %s %s", got.Status, got.ErrorCode)
	}
	trAfter, _ := f.trades.FindByID(ctx, tr.TradeID)
	if trAfter.Status != model.TradeOpen {
		t.Errorf("trade = %s, must stay OPEN after a failed exit", trAfter.Status)
	}
}

func TestExitSkipsNonOpenTrade(t *testing.T) {
	f := newFixture(t)
	tr := f.openTrade(t)
	ctx := context.Background()

	// Close the trade first; the stale intent must not place anything.
	f.tms.UpdateTradeExitOrderPlaced(ctx, tr.TradeID, "X-1", model.ExitManual, time.Now())
	f.tms.CloseTradeOnExitFill(ctx, tr.TradeID, 51000, 10, model.ExitManual, time.Now())

	intent := approvedExitIntent(tr.TradeID)
	if err := f.intents.Insert(ctx, &intent); err != nil {
		t.Fatal(err)
	}
	f.adapter.mu.Lock()
	f.adapter.placed = nil
	f.adapter.mu.Unlock()

	exit := NewExit(f.intents, f.trades, f.tms, f.adapter, nil)
	exit.PlaceExit(ctx, intent)

	if len(f.adapter.placedOrders()) != 0 {
		t.Error("exit placed for a CLOSED trade")
	}
	got, _ := f.intents.FindByID(ctx, "exit1")
	if got.Status != model.ExitIntentApproved {
		t.Errorf("intent = %s, want untouched APPROVED", got.Status)
	}
}
