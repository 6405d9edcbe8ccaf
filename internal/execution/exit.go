package execution

import (
	"context"
	"log"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/trades"
)

const exitSource = "EXIT_ORDER_EXECUTION"

// Exit places exit orders for approved exit intents. The APPROVED→PLACED
// transition is a repository CAS writing a placeholder broker order id, so
// two evaluators racing on the same intent place at most one order.
type Exit struct {
	intents model.ExitIntentRepository
	trades  model.TradeRepository
	tms     *trades.Service
	adapter broker.Adapter
	events  model.EventService
	now     func() time.Time
}

// NewExit wires the exit execution path.
func NewExit(intents model.ExitIntentRepository, tradeRepo model.TradeRepository, tms *trades.Service, adapter broker.Adapter, events model.EventService) *Exit {
	return &Exit{
		intents: intents,
		trades:  tradeRepo,
		tms:     tms,
		adapter: adapter,
		events:  events,
		now:     time.Now,
	}
}

// PlaceExit drives one approved exit intent to the broker. Satisfies
// trades.ExitPlacer. Errors are terminal for the intent, not the process:
// failures mark it FAILED and release the trade for re-evaluation.
func (e *Exit) PlaceExit(ctx context.Context, intent model.ExitIntent) {
	t, err := e.trades.FindByID(ctx, intent.TradeID)
	if err != nil || t == nil {
		log.Printf("[execution] exit intent %s: trade %s not found (%v)", intent.ExitIntentID, intent.TradeID, err)
		return
	}
	if t.Status != model.TradeOpen {
		log.Printf("[execution] exit intent %s: trade %s is %s, skipping", intent.ExitIntentID, t.TradeID, t.Status)
		return
	}

	now := e.now().UTC()
	placeholder := model.PlaceholderOrderID(now)
	won, err := e.intents.PlaceExitOrder(ctx, intent.ExitIntentID, placeholder, now)
	if err != nil {
		log.Printf("[execution] exit intent %s CAS error: %v", intent.ExitIntentID, err)
		e.tms.ClearInflightExit(t.TradeID)
		return
	}
	if !won {
		// Another placement already claimed the intent.
		return
	}

	if !e.adapter.CanPlaceOrders() {
		e.fail(ctx, intent, t, broker.CodeReadOnly, "broker adapter cannot place orders")
		return
	}

	req := model.OrderRequest{
		Symbol:          t.Symbol,
		TransactionType: t.Direction.Reverse(),
		OrderType:       intent.OrderType,
		ProductType:     intent.ProductType,
		Qty:             intent.CalculatedQty,
		ClientOrderID:   intent.ExitIntentID,
	}
	if intent.OrderType == model.OrderTypeLimit {
		req.Price = intent.LimitPrice
	}

	res, err := e.adapter.PlaceOrder(ctx, req)
	if err != nil {
		e.fail(ctx, intent, t, broker.CodeTimeout, err.Error())
		return
	}
	if !res.Success {
		e.fail(ctx, intent, t, res.ErrorCode, res.Message)
		return
	}

	if err := e.intents.UpdateBrokerOrderID(ctx, intent.ExitIntentID, res.OrderID); err != nil {
		log.Printf("[execution] exit intent %s: overwrite placeholder: %v", intent.ExitIntentID, err)
	}
	if err := e.tms.UpdateTradeExitOrderPlaced(ctx, t.TradeID, res.OrderID, intent.ExitReason, now); err != nil {
		log.Printf("[execution] exit intent %s: trade transition: %v", intent.ExitIntentID, err)
	}
	log.Printf("[execution] exit order placed: intent=%s trade=%s broker=%s reason=%s",
		intent.ExitIntentID, t.TradeID, res.OrderID, intent.ExitReason)
}

func (e *Exit) fail(ctx context.Context, intent model.ExitIntent, t *model.Trade, code, message string) {
	if err := e.intents.MarkFailed(ctx, intent.ExitIntentID, code, message); err != nil {
		log.Printf("[execution] exit intent %s: mark failed: %v", intent.ExitIntentID, err)
	}
	e.tms.ClearInflightExit(t.TradeID)
	if e.events != nil {
		e.events.EmitUserBroker(model.EventExitIntentFailed,
			t.UserID, t.BrokerID, t.UserBrokerID,
			map[string]any{
				"symbol": t.Symbol, "exitIntentId": intent.ExitIntentID,
				"exitReason": string(intent.ExitReason),
				"errorCode":  code, "errorMessage": message,
			},
			t.SignalID, "", t.TradeID, "", exitSource)
	}
	log.Printf("[execution] exit intent %s failed: %s %s", intent.ExitIntentID, code, message)
}
