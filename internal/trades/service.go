// Package trades owns the trade lifecycle. Service is the single writer for
// Trade rows: every mutation runs on the trade coordinator keyed by tradeId,
// so per-trade state transitions are totally ordered without locks.
package trades

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-enginev1/internal/coordinator"
	"trading-enginev1/internal/model"
)

const (
	// DefaultMaxHolding is the time-based exit horizon.
	DefaultMaxHolding = 30 * 24 * time.Hour

	source = "TRADE_MANAGEMENT_SERVICE"
)

// ExitPlacer receives approved exit intents and drives them to the broker.
// The concrete implementation lives in the execution package; the indirection
// keeps the dependency pointing outward.
type ExitPlacer interface {
	PlaceExit(ctx context.Context, intent model.ExitIntent)
}

// Config wires the service.
type Config struct {
	Trades      model.TradeRepository
	ExitIntents model.ExitIntentRepository
	Events      model.EventService

	// Coordinator serializes trade mutations, keyed by tradeId.
	Coordinator *coordinator.Coordinator
	// ExitCoordinator runs price-driven exit evaluation, also keyed by
	// tradeId but on a separate instance: evaluation calls back into
	// mutations via SubmitWait, which must never land on its own partition.
	ExitCoordinator *coordinator.Coordinator

	// MaxHolding overrides the time-based exit horizon. Zero means default.
	MaxHolding time.Duration
}

// Service is the trade management service.
type Service struct {
	repo      model.TradeRepository
	intents   model.ExitIntentRepository
	events    model.EventService
	coord     *coordinator.Coordinator
	exitCoord *coordinator.Coordinator
	index     *ActiveTradeIndex

	maxHolding time.Duration
	now        func() time.Time

	exitMu sync.Mutex
	placer ExitPlacer
	// inflightExits guards against stacking exit intents for the same trade
	// while the first one is still between APPROVED and EXITING.
	inflightExits map[string]struct{}
}

// New creates the service. SetExitPlacer must be called before price updates
// can turn into exit orders.
func New(cfg Config) *Service {
	maxHolding := cfg.MaxHolding
	if maxHolding == 0 {
		maxHolding = DefaultMaxHolding
	}
	return &Service{
		repo:          cfg.Trades,
		intents:       cfg.ExitIntents,
		events:        cfg.Events,
		coord:         cfg.Coordinator,
		exitCoord:     cfg.ExitCoordinator,
		index:         NewActiveTradeIndex(),
		maxHolding:    maxHolding,
		now:           time.Now,
		inflightExits: make(map[string]struct{}),
	}
}

// SetExitPlacer wires the exit execution path.
func (s *Service) SetExitPlacer(p ExitPlacer) {
	s.exitMu.Lock()
	s.placer = p
	s.exitMu.Unlock()
}

// Index exposes the active trade index (read-only use by recovery/tests).
func (s *Service) Index() *ActiveTradeIndex { return s.index }

// ── Trade creation ──

// CreateTradeForIntent builds and persists the CREATED row for an approved
// intent. ClientOrderID carries the intent id under a unique constraint, so a
// duplicate call returns the existing row instead of inserting twice.
func (s *Service) CreateTradeForIntent(ctx context.Context, intent *model.TradeIntent, sig *model.Signal) (*model.Trade, error) {
	if existing, err := s.repo.FindByIntentID(ctx, intent.IntentID); err == nil && existing != nil {
		return existing, nil
	}

	nonTerminal, err := s.repo.CountNonTerminal(ctx, intent.UserID, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("classify trade: %w", err)
	}
	class := model.TradeClassNew
	if nonTerminal > 0 {
		class = model.TradeClassRebuy
	}

	now := s.now().UTC()
	t := &model.Trade{
		TradeID:       uuid.NewString(),
		ClientOrderID: intent.IntentID,
		UserID:        intent.UserID,
		BrokerID:      intent.BrokerID,
		UserBrokerID:  intent.UserBrokerID,
		SignalID:      intent.SignalID,
		Symbol:        intent.Symbol,
		Direction:     intent.Direction,
		Class:         class,
		Status:        model.TradeCreated,
		EntryPrice:    intent.LimitPrice,
		EntryQty:      intent.CalculatedQty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sig != nil {
		t.MTF = sig.Snapshot()
		t.ExitPrimaryPrice = sig.EffectiveCeiling
		t.EffectiveFloor = sig.EffectiveFloor
	}

	if err := s.repo.Insert(ctx, t); err != nil {
		// Lost a race on the unique client_order_id: return the winner.
		if existing, ferr := s.repo.FindByIntentID(ctx, intent.IntentID); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	s.emit(model.EventTradeUpdated, t, map[string]any{
		"symbol": t.Symbol, "status": string(t.Status), "class": string(t.Class),
	})
	return t, nil
}

// MarkTradePending records broker acceptance of the entry order:
// CREATED → PENDING with the broker order id.
func (s *Service) MarkTradePending(ctx context.Context, tradeID, brokerOrderID string) error {
	return s.mutate(ctx, tradeID, func(jctx context.Context, t *model.Trade) error {
		if t.Status != model.TradeCreated {
			return fmt.Errorf("trade %s is %s, cannot mark pending", tradeID, t.Status)
		}
		t.Status = model.TradePending
		t.BrokerOrderID = brokerOrderID
		t.LastBrokerUpdateAt = s.now().UTC()
		if err := s.repo.Update(jctx, t); err != nil {
			return err
		}
		s.emit(model.EventTradeUpdated, t, map[string]any{
			"symbol": t.Symbol, "status": string(t.Status), "brokerOrderId": brokerOrderID,
		})
		return nil
	})
}

// MarkTradeRejectedByIntentID resolves the trade by its intent id and marks
// it REJECTED with the given error. Terminal trades are left untouched.
func (s *Service) MarkTradeRejectedByIntentID(ctx context.Context, intentID, code, message string) error {
	t, err := s.repo.FindByIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("no trade for intent %s", intentID)
	}
	return s.mutate(ctx, t.TradeID, func(jctx context.Context, t *model.Trade) error {
		if t.Status.IsTerminal() {
			return nil
		}
		t.Status = model.TradeRejected
		t.ErrorCode = code
		t.ErrorMessage = message
		if err := s.repo.Update(jctx, t); err != nil {
			return err
		}
		s.index.Remove(t.TradeID)
		s.emit(model.EventOrderRejected, t, map[string]any{
			"symbol": t.Symbol, "errorCode": code, "errorMessage": message,
		})
		return nil
	})
}

// ── Broker order updates ──

// OnBrokerOrderUpdate routes an authoritative broker status onto the trade's
// coordinator partition. Resolution order: broker order id, then client
// order id (= intent id).
func (s *Service) OnBrokerOrderUpdate(ctx context.Context, st model.BrokerOrderStatus) error {
	t, err := s.repo.FindByBrokerOrderID(ctx, st.OrderID)
	if err != nil {
		return err
	}
	if t == nil && st.ClientOrderID != "" {
		if t, err = s.repo.FindByIntentID(ctx, st.ClientOrderID); err != nil {
			return err
		}
	}
	if t == nil {
		log.Printf("[trades] broker update for unknown order %s (client=%s)", st.OrderID, st.ClientOrderID)
		return nil
	}
	tradeID := t.TradeID
	return s.coord.Submit(tradeID, func(jctx context.Context) {
		if err := s.applyBrokerUpdate(jctx, tradeID, st); err != nil {
			log.Printf("[trades] broker update %s on trade %s: %v", st.OrderID, tradeID, err)
		}
	})
}

func (s *Service) applyBrokerUpdate(ctx context.Context, tradeID string, st model.BrokerOrderStatus) error {
	t, err := s.repo.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("trade %s vanished", tradeID)
	}

	switch st.Kind() {
	case model.OrderStatusFilled:
		switch t.Status {
		case model.TradePending:
			return s.handleEntryFill(ctx, t, st)
		case model.TradeExiting:
			reason := model.ExitReason(t.ExitTrigger)
			if reason == "" {
				reason = model.ExitManual
			}
			return s.closeOnExitFill(ctx, t, st.AveragePrice, st.FilledQuantity, reason, s.updateTime(st))
		default:
			// Fill on a terminal or CREATED trade: record the sighting only.
			t.LastBrokerUpdateAt = s.now().UTC()
			return s.repo.Update(ctx, t)
		}

	case model.OrderStatusRejected, model.OrderStatusCancelled:
		if t.Status.IsTerminal() {
			return nil
		}
		t.Status = model.TradeRejected
		t.ErrorCode = "BROKER_" + st.Status
		t.ErrorMessage = st.StatusMessage
		t.LastBrokerUpdateAt = s.now().UTC()
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		s.index.Remove(t.TradeID)
		s.clearInflight(t.TradeID)
		s.emit(model.EventOrderRejected, t, map[string]any{
			"symbol": t.Symbol, "errorMessage": st.StatusMessage,
		})
		return nil

	default:
		t.LastBrokerUpdateAt = s.now().UTC()
		return s.repo.Update(ctx, t)
	}
}

func (s *Service) handleEntryFill(ctx context.Context, t *model.Trade, st model.BrokerOrderStatus) error {
	t.Status = model.TradeOpen
	if st.AveragePrice > 0 {
		t.EntryPrice = st.AveragePrice
	}
	if st.FilledQuantity > 0 {
		t.EntryQty = st.FilledQuantity
	}
	t.EntryValue = t.EntryPrice * t.EntryQty
	t.EntryTimestamp = s.updateTime(st)
	t.LastBrokerUpdateAt = s.now().UTC()
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}

	s.index.Add(t.TradeID, t.Symbol)
	s.emit(model.EventTradeUpdated, t, map[string]any{
		"symbol": t.Symbol, "status": string(t.Status),
		"avgPrice": t.EntryPrice, "filledQty": t.EntryQty,
	})
	return nil
}

// updateTime prefers the broker's timestamp; falls back to wall clock.
func (s *Service) updateTime(st model.BrokerOrderStatus) time.Time {
	if !st.UpdatedAt.IsZero() {
		return st.UpdatedAt.UTC()
	}
	return s.now().UTC()
}

// ── Exit path ──

// OnPriceUpdate fans the latest price out to every open trade on the symbol.
// Evaluation runs per trade on the exit coordinator; the placement path it
// triggers then re-enters the mutation coordinator without self-blocking.
func (s *Service) OnPriceUpdate(symbol string, ltp int64, ts time.Time) {
	for _, tradeID := range s.index.OpenTrades(symbol) {
		id := tradeID
		if err := s.exitCoord.Submit(id, func(jctx context.Context) {
			s.evaluateExit(jctx, id, ltp, ts)
		}); err != nil {
			return
		}
	}
}

// EvaluateExitConditions applies the exit rules to an OPEN trade at the given
// price. First match wins: target, stop (trailing stop tightens the floor),
// then time-based. Shorts mirror the comparisons.
func (s *Service) EvaluateExitConditions(t *model.Trade, ltp int64, ts time.Time) (model.ExitReason, bool) {
	long := t.Direction == model.DirectionBuy

	if t.ExitPrimaryPrice > 0 {
		if long && ltp >= t.ExitPrimaryPrice {
			return model.ExitTargetHit, true
		}
		if !long && ltp <= t.ExitPrimaryPrice {
			return model.ExitTargetHit, true
		}
	}

	floor, trailing := t.EffectiveFloor, false
	if t.TrailingActive && t.TrailingStopPrice > 0 {
		if long && t.TrailingStopPrice > floor {
			floor, trailing = t.TrailingStopPrice, true
		}
		if !long && (floor == 0 || t.TrailingStopPrice < floor) {
			floor, trailing = t.TrailingStopPrice, true
		}
	}
	if floor > 0 {
		hit := (long && ltp <= floor) || (!long && ltp >= floor)
		if hit {
			if trailing {
				return model.ExitTrailing, true
			}
			return model.ExitStopLoss, true
		}
	}

	if !t.EntryTimestamp.IsZero() && ts.Sub(t.EntryTimestamp) >= s.maxHolding {
		return model.ExitTimeBased, true
	}
	return "", false
}

func (s *Service) evaluateExit(ctx context.Context, tradeID string, ltp int64, ts time.Time) {
	t, err := s.repo.FindByID(ctx, tradeID)
	if err != nil || t == nil || t.Status != model.TradeOpen {
		return
	}
	reason, hit := s.EvaluateExitConditions(t, ltp, ts)
	if !hit {
		return
	}
	if !s.markInflight(tradeID) {
		return
	}

	now := s.now().UTC()
	intent := model.ExitIntent{
		ExitIntentID:  uuid.NewString(),
		TradeID:       t.TradeID,
		UserBrokerID:  t.UserBrokerID,
		Symbol:        t.Symbol,
		ExitReason:    reason,
		OrderType:     model.OrderTypeMarket,
		CalculatedQty: t.EntryQty,
		LimitPrice:    ltp,
		Status:        model.ExitIntentApproved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.intents.Insert(ctx, &intent); err != nil {
		log.Printf("[trades] exit intent insert for trade %s: %v", tradeID, err)
		s.clearInflight(tradeID)
		return
	}
	log.Printf("[trades] exit condition %s on trade %s symbol=%s ltp=%d", reason, tradeID, t.Symbol, ltp)

	s.exitMu.Lock()
	placer := s.placer
	s.exitMu.Unlock()
	if placer == nil {
		log.Printf("[trades] no exit placer wired, intent %s stays APPROVED", intent.ExitIntentID)
		s.clearInflight(tradeID)
		return
	}
	placer.PlaceExit(ctx, intent)
}

func (s *Service) markInflight(tradeID string) bool {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	if _, ok := s.inflightExits[tradeID]; ok {
		return false
	}
	s.inflightExits[tradeID] = struct{}{}
	return true
}

// ClearInflightExit releases the exit-in-flight guard after a failed
// placement so the evaluator can fire again on the next tick.
func (s *Service) ClearInflightExit(tradeID string) { s.clearInflight(tradeID) }

func (s *Service) clearInflight(tradeID string) {
	s.exitMu.Lock()
	delete(s.inflightExits, tradeID)
	s.exitMu.Unlock()
}

// UpdateTrailingStop raises the trailing stop. The update applies iff
// activate is set or the new high exceeds the recorded high; trailing stops
// only ever tighten.
func (s *Service) UpdateTrailingStop(ctx context.Context, tradeID string, highestPrice, stopPrice int64, activate bool) error {
	return s.mutate(ctx, tradeID, func(jctx context.Context, t *model.Trade) error {
		if !activate && highestPrice <= t.TrailingHighestPrice {
			return nil
		}
		if activate {
			t.TrailingActive = true
		}
		t.TrailingHighestPrice = highestPrice
		t.TrailingStopPrice = stopPrice
		return s.repo.Update(jctx, t)
	})
}

// UpdateTradeExitOrderPlaced records broker acknowledgment of the exit order:
// OPEN → EXITING with the exit order id. The trade leaves the active index
// here so the evaluator stops firing for it. The exit reason is stamped on
// the trade so the eventual fill closes with the right trigger.
func (s *Service) UpdateTradeExitOrderPlaced(ctx context.Context, tradeID, exitOrderID string, reason model.ExitReason, placedAt time.Time) error {
	return s.mutate(ctx, tradeID, func(jctx context.Context, t *model.Trade) error {
		if t.Status != model.TradeOpen {
			return fmt.Errorf("trade %s is %s, cannot enter EXITING", tradeID, t.Status)
		}
		t.Status = model.TradeExiting
		t.ExitOrderID = exitOrderID
		t.ExitTrigger = string(reason)
		t.LastBrokerUpdateAt = placedAt.UTC()
		if err := s.repo.Update(jctx, t); err != nil {
			return err
		}
		s.index.Remove(tradeID)
		s.emit(model.EventExitOrderPlaced, t, map[string]any{
			"symbol": t.Symbol, "exitReason": string(reason), "brokerOrderId": exitOrderID,
		})
		return nil
	})
}

// CloseTradeOnExitFill finalizes the trade: realized P&L, log return and
// holding days are computed from the fill. Already-CLOSED trades are a noop.
func (s *Service) CloseTradeOnExitFill(ctx context.Context, tradeID string, exitPrice, exitQty int64, reason model.ExitReason, exitTS time.Time) error {
	return s.mutate(ctx, tradeID, func(jctx context.Context, t *model.Trade) error {
		return s.closeOnExitFill(jctx, t, exitPrice, exitQty, reason, exitTS)
	})
}

func (s *Service) closeOnExitFill(ctx context.Context, t *model.Trade, exitPrice, exitQty int64, reason model.ExitReason, exitTS time.Time) error {
	if t.Status == model.TradeClosed {
		return nil
	}
	qty := exitQty
	if qty == 0 {
		qty = t.EntryQty
	}

	t.Status = model.TradeClosed
	t.ExitPrice = exitPrice
	t.ExitTimestamp = exitTS.UTC()
	t.ExitTrigger = string(reason)
	t.RealizedPnl = realizedPnl(t.Direction, t.EntryPrice, exitPrice, qty)
	t.RealizedLogReturn = logReturn(t.Direction, t.EntryPrice, exitPrice)
	t.HoldingDays = holdingDays(t.EntryTimestamp, exitTS)
	t.LastBrokerUpdateAt = s.now().UTC()
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}

	s.index.Remove(t.TradeID)
	s.clearInflight(t.TradeID)
	s.emit(model.EventTradeClosed, t, map[string]any{
		"symbol":      t.Symbol,
		"exitReason":  string(reason),
		"avgPrice":    exitPrice,
		"filledQty":   qty,
		"realizedPnl": t.RealizedPnl,
		"holdingDays": t.HoldingDays,
	})
	log.Printf("[trades] closed trade %s symbol=%s reason=%s pnl=%d", t.TradeID, t.Symbol, reason, t.RealizedPnl)
	return nil
}

// RebuildActiveIndex reloads the index from all OPEN trades in the store.
func (s *Service) RebuildActiveIndex(ctx context.Context) error {
	open, err := s.repo.FindByStatus(ctx, model.TradeOpen)
	if err != nil {
		return err
	}
	pairs := make(map[string]string, len(open))
	for i := range open {
		pairs[open[i].TradeID] = open[i].Symbol
	}
	s.index.Rebuild(pairs)
	log.Printf("[trades] active index rebuilt with %d open trades", len(pairs))
	return nil
}

// mutate runs fn on the trade's coordinator partition with the row freshly
// loaded, and waits for completion.
func (s *Service) mutate(ctx context.Context, tradeID string, fn func(context.Context, *model.Trade) error) error {
	var out error
	err := s.coord.SubmitWait(ctx, tradeID, func(jctx context.Context) {
		t, err := s.repo.FindByID(jctx, tradeID)
		if err != nil {
			out = err
			return
		}
		if t == nil {
			out = fmt.Errorf("trade %s not found", tradeID)
			return
		}
		out = fn(jctx, t)
	})
	if err != nil {
		return err
	}
	return out
}

func (s *Service) emit(evtType model.EventType, t *model.Trade, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.EmitUserBroker(evtType, t.UserID, t.BrokerID, t.UserBrokerID,
		payload, t.SignalID, t.ClientOrderID, t.TradeID, t.BrokerOrderID, source)
}

func realizedPnl(dir model.Direction, entry, exit, qty int64) int64 {
	if dir == model.DirectionBuy {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

func logReturn(dir model.Direction, entry, exit int64) float64 {
	if entry <= 0 || exit <= 0 {
		return 0
	}
	if dir == model.DirectionBuy {
		return math.Log(float64(exit) / float64(entry))
	}
	return math.Log(float64(entry) / float64(exit))
}

func holdingDays(entry, exit time.Time) int {
	if entry.IsZero() || exit.Before(entry) {
		return 0
	}
	return int(exit.Sub(entry).Hours() / 24)
}
