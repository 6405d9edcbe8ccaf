// Package execution turns approved intents into broker orders. Entry handles
// TradeIntent → entry order, Exit handles ExitIntent → exit order with a
// compare-and-set placement guard.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/trades"
)

const entrySource = "ENTRY_ORDER_EXECUTION"

// Policy-gate errors. Returned to the caller before any row exists; nothing
// to reconcile, nothing to mark.
var (
	ErrTradingDisabled = errors.New(broker.CodeTradingDisabled + ": live trading is disabled")
	ErrReadOnly        = errors.New(broker.CodeReadOnly + ": broker adapter cannot place orders")
)

// Entry places entry orders for approved trade intents.
type Entry struct {
	tms     *trades.Service
	signals model.SignalRepository
	adapter broker.Adapter
	events  model.EventService

	// TradingEnabled is the process-wide live-order gate (TRADING_ENABLED).
	// When false every entry is rejected before reaching the broker;
	// reconcilers keep running regardless.
	TradingEnabled bool
}

// NewEntry wires the entry execution path.
func NewEntry(tms *trades.Service, signals model.SignalRepository, adapter broker.Adapter, events model.EventService, tradingEnabled bool) *Entry {
	return &Entry{
		tms:            tms,
		signals:        signals,
		adapter:        adapter,
		events:         events,
		TradingEnabled: tradingEnabled,
	}
}

// HandleApprovedIntent runs the full entry flow: validate, check the policy
// gates, resolve the signal, create the trade row, place the order. A closed
// gate fails the call before any Trade row exists; a broker rejection after
// creation marks the trade REJECTED and is not an error to the caller.
func (e *Entry) HandleApprovedIntent(ctx context.Context, intent *model.TradeIntent) error {
	if !intent.ValidationPassed {
		return fmt.Errorf("intent %s has not passed validation", intent.IntentID)
	}
	if !e.TradingEnabled {
		log.Printf("[execution] intent %s refused: trading disabled", intent.IntentID)
		return ErrTradingDisabled
	}
	if !e.adapter.CanPlaceOrders() {
		log.Printf("[execution] intent %s refused: adapter read-only", intent.IntentID)
		return ErrReadOnly
	}

	var sig *model.Signal
	if intent.SignalID != "" && e.signals != nil {
		var err error
		if sig, err = e.signals.FindByID(ctx, intent.SignalID); err != nil {
			return fmt.Errorf("resolve signal %s: %w", intent.SignalID, err)
		}
	}

	t, err := e.tms.CreateTradeForIntent(ctx, intent, sig)
	if err != nil {
		return err
	}
	if t.Status != model.TradeCreated {
		// Replayed intent: the trade already moved on.
		log.Printf("[execution] intent %s already has trade %s in %s", intent.IntentID, t.TradeID, t.Status)
		return nil
	}

	req := model.OrderRequest{
		Symbol:          intent.Symbol,
		TransactionType: intent.Direction,
		OrderType:       intent.OrderType,
		ProductType:     intent.ProductType,
		Qty:             intent.CalculatedQty,
		ClientOrderID:   intent.IntentID,
	}
	if intent.OrderType == model.OrderTypeLimit {
		req.Price = intent.LimitPrice
	}

	res, err := e.adapter.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place entry order: %w", err)
	}
	if !res.Success {
		log.Printf("[execution] entry order for intent %s rejected: %s %s", intent.IntentID, res.ErrorCode, res.Message)
		return e.tms.MarkTradeRejectedByIntentID(ctx, intent.IntentID, res.ErrorCode, res.Message)
	}

	if err := e.tms.MarkTradePending(ctx, t.TradeID, res.OrderID); err != nil {
		return err
	}
	if e.events != nil {
		e.events.EmitUserBroker(model.EventOrderCreated,
			t.UserID, t.BrokerID, t.UserBrokerID,
			map[string]any{"symbol": t.Symbol, "brokerOrderId": res.OrderID, "filledQty": int64(0)},
			t.SignalID, intent.IntentID, t.TradeID, res.OrderID, entrySource)
	}
	log.Printf("[execution] entry order placed: intent=%s trade=%s broker=%s", intent.IntentID, t.TradeID, res.OrderID)
	return nil
}
