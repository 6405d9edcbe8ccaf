package reconcile

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/trades"
)

// ExitConfig tunes the exit-order reconciler.
type ExitConfig struct {
	Interval      time.Duration
	InitialDelay  time.Duration
	PlacedTimeout time.Duration
	MaxConcurrent int
}

func (c *ExitConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultExitDelay
	}
	if c.PlacedTimeout == 0 {
		c.PlacedTimeout = DefaultOrderTimeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
}

// ExitReconciler polls the broker for exit intents stuck in PLACED.
type ExitReconciler struct {
	cfg     ExitConfig
	intents model.ExitIntentRepository
	tms     *trades.Service
	adapter broker.Adapter
	events  model.EventService
	sem     semaphore
	now     func() time.Time

	mu               sync.Mutex
	lastRun          time.Time
	totalChecked     atomic.Int64
	totalUpdated     atomic.Int64
	totalTimeouts    atomic.Int64
	totalRateLimited atomic.Int64
}

// NewExitReconciler wires the loop; call Run to start it.
func NewExitReconciler(cfg ExitConfig, intents model.ExitIntentRepository, tms *trades.Service, adapter broker.Adapter, events model.EventService) *ExitReconciler {
	cfg.defaults()
	return &ExitReconciler{
		cfg:     cfg,
		intents: intents,
		tms:     tms,
		adapter: adapter,
		events:  events,
		sem:     newSemaphore(cfg.MaxConcurrent),
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (r *ExitReconciler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.InitialDelay):
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one reconciliation pass.
func (r *ExitReconciler) RunCycle(ctx context.Context) {
	now := r.now().UTC()
	r.mu.Lock()
	r.lastRun = now
	r.mu.Unlock()

	placed, err := r.intents.FindByStatus(ctx, model.ExitIntentPlaced)
	if err != nil {
		log.Printf("[reconcile] placed exit query: %v", err)
		return
	}

	for i := range placed {
		e := &placed[i]
		r.totalChecked.Add(1)
		if err := r.reconcileRow(ctx, e, now); err != nil {
			log.Printf("[reconcile] exit intent %s: %v", e.ExitIntentID, err)
		}
	}
}

func (r *ExitReconciler) reconcileRow(ctx context.Context, e *model.ExitIntent, now time.Time) error {
	if now.Sub(e.PlacedAt) > r.cfg.PlacedTimeout {
		r.totalTimeouts.Add(1)
		return r.failIntent(ctx, e, broker.CodeTimeout, "exit order unconfirmed past timeout")
	}
	// A placeholder id means the broker call after the CAS never completed;
	// nothing to poll yet. The timeout above will eventually reap it.
	if model.IsPlaceholderOrderID(e.BrokerOrderID) {
		return nil
	}

	if !r.sem.tryAcquire() {
		r.totalRateLimited.Add(1)
		return nil
	}
	defer r.sem.release()

	st, err := r.adapter.GetOrderStatus(ctx, e.BrokerOrderID)
	if err != nil {
		return err
	}

	switch st.Kind() {
	case model.OrderStatusFilled:
		r.totalUpdated.Add(1)
		if err := r.intents.MarkFilled(ctx, e.ExitIntentID); err != nil {
			return err
		}
		r.emit(model.EventExitIntentFilled, e, map[string]any{
			"symbol": e.Symbol, "exitIntentId": e.ExitIntentID,
			"avgPrice": st.AveragePrice, "filledQty": st.FilledQuantity,
		})
		return r.tms.CloseTradeOnExitFill(ctx, e.TradeID,
			st.AveragePrice, st.FilledQuantity, e.ExitReason, now)

	case model.OrderStatusRejected:
		r.totalUpdated.Add(1)
		return r.failIntent(ctx, e, broker.CodeOrderRejected, st.StatusMessage)

	case model.OrderStatusCancelled:
		r.totalUpdated.Add(1)
		if err := r.intents.MarkCancelled(ctx, e.ExitIntentID); err != nil {
			return err
		}
		r.tms.ClearInflightExit(e.TradeID)
		return nil
	}
	return nil
}

func (r *ExitReconciler) failIntent(ctx context.Context, e *model.ExitIntent, code, message string) error {
	if err := r.intents.MarkFailed(ctx, e.ExitIntentID, code, message); err != nil {
		return err
	}
	r.tms.ClearInflightExit(e.TradeID)
	r.emit(model.EventExitIntentFailed, e, map[string]any{
		"symbol": e.Symbol, "exitIntentId": e.ExitIntentID,
		"errorCode": code, "errorMessage": message,
	})
	return nil
}

func (r *ExitReconciler) emit(evtType model.EventType, e *model.ExitIntent, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.EmitUserBroker(evtType, "", "", e.UserBrokerID, payload, "", "", e.TradeID, e.BrokerOrderID, "EXIT_ORDER_RECONCILER")
}

// Stats snapshots the counters.
func (r *ExitReconciler) Stats() Stats {
	r.mu.Lock()
	lastRun := r.lastRun
	r.mu.Unlock()
	return Stats{
		LastRun:          lastRun,
		TotalChecked:     r.totalChecked.Load(),
		TotalUpdated:     r.totalUpdated.Load(),
		TotalTimeouts:    r.totalTimeouts.Load(),
		TotalRateLimited: r.totalRateLimited.Load(),
		AvailablePermits: r.sem.available(),
	}
}
