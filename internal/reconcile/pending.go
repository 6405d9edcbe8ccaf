// Package reconcile heals order state that broker pushes missed. Two timer
// loops poll the broker for PENDING trades and PLACED exit intents; each
// bounds its broker concurrency with a semaphore and treats every row as an
// independent unit of work, so one bad row never aborts a cycle.
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

const (
	// DefaultInterval between reconciliation cycles.
	DefaultInterval = 30 * time.Second
	// DefaultPendingDelay before the first pending-order cycle.
	DefaultPendingDelay = 10 * time.Second
	// DefaultExitDelay before the first exit-order cycle.
	DefaultExitDelay = 15 * time.Second
	// DefaultOrderTimeout after which an unacknowledged order is written off.
	DefaultOrderTimeout = 10 * time.Minute
	// DefaultMaxConcurrent bounds simultaneous broker status calls.
	DefaultMaxConcurrent = 5
)

// Stats is a snapshot of a reconciler's counters.
type Stats struct {
	LastRun          time.Time
	TotalChecked     int64
	TotalUpdated     int64
	TotalTimeouts    int64
	TotalRateLimited int64
	AvailablePermits int
}

// semaphore is a counting permit pool with non-blocking acquire.
type semaphore chan struct{}

func newSemaphore(n int) semaphore { return make(semaphore, n) }

func (s semaphore) tryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s semaphore) release()       { <-s }
func (s semaphore) available() int { return cap(s) - len(s) }

// PendingConfig tunes the pending-order reconciler.
type PendingConfig struct {
	Interval      time.Duration
	InitialDelay  time.Duration
	OrderTimeout  time.Duration
	MaxConcurrent int
}

func (c *PendingConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultPendingDelay
	}
	if c.OrderTimeout == 0 {
		c.OrderTimeout = DefaultOrderTimeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
}

// PendingReconciler polls the broker for trades stuck in PENDING.
type PendingReconciler struct {
	cfg     PendingConfig
	repo    model.TradeRepository
	tms     *trades.Service
	adapter broker.Adapter
	sem     semaphore
	now     func() time.Time

	mu               sync.Mutex
	lastRun          time.Time
	totalChecked     atomic.Int64
	totalUpdated     atomic.Int64
	totalTimeouts    atomic.Int64
	totalRateLimited atomic.Int64
}

// NewPendingReconciler wires the loop; call Run to start it.
func NewPendingReconciler(cfg PendingConfig, repo model.TradeRepository, tms *trades.Service, adapter broker.Adapter) *PendingReconciler {
	cfg.defaults()
	return &PendingReconciler{
		cfg:     cfg,
		repo:    repo,
		tms:     tms,
		adapter: adapter,
		sem:     newSemaphore(cfg.MaxConcurrent),
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (r *PendingReconciler) Run(ctx context.Context) {
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
func (r *PendingReconciler) RunCycle(ctx context.Context) {
	now := r.now().UTC()
	r.mu.Lock()
	r.lastRun = now
	r.mu.Unlock()

	pending, err := r.repo.FindByStatus(ctx, model.TradePending)
	if err != nil {
		log.Printf("[reconcile] pending query: %v", err)
		return
	}

	for i := range pending {
		t := &pending[i]
		r.totalChecked.Add(1)
		if err := r.reconcileRow(ctx, t, now); err != nil {
			log.Printf("[reconcile] trade %s: %v", t.TradeID, err)
		}
	}
}

func (r *PendingReconciler) reconcileRow(ctx context.Context, t *model.Trade, now time.Time) error {
	// Timeout verdict is reached before any broker call: a trade nobody has
	// heard from in OrderTimeout is written off even when the broker API is
	// down or rate-limited.
	ref := t.CreatedAt
	if t.LastBrokerUpdateAt.After(ref) {
		ref = t.LastBrokerUpdateAt
	}
	if now.Sub(ref) > r.cfg.OrderTimeout {
		r.totalTimeouts.Add(1)
		log.Printf("[reconcile] trade %s pending for %s, marking rejected", t.TradeID, now.Sub(ref).Round(time.Second))
		return r.tms.MarkTradeRejectedByIntentID(ctx, t.ClientOrderID,
			broker.CodeTimeout, "entry order unconfirmed past timeout")
	}

	if !r.sem.tryAcquire() {
		r.totalRateLimited.Add(1)
		return nil
	}
	defer r.sem.release()

	st, err := r.adapter.GetOrderStatus(ctx, t.BrokerOrderID)
	if err != nil {
		return err
	}
	if st.Kind() != model.OrderStatusUnknown {
		r.totalUpdated.Add(1)
	}
	return r.tms.OnBrokerOrderUpdate(ctx, *st)
}

// Stats snapshots the counters.
func (r *PendingReconciler) Stats() Stats {
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
