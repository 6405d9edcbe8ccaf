// Package recovery brings the engine back to a consistent state after a
// start or a feed reconnect: candle cache warmup, gap backfill, active trade
// index rebuild, and an immediate reconciliation pass over in-flight orders.
package recovery

import (
	"context"
	"log"
	"time"

	"trading-enginev1/internal/candlestore"
	"trading-enginev1/internal/marketdata/backfill"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/reconcile"
	"trading-enginev1/internal/sessionclock"
	"trading-enginev1/internal/trades"
)

// Manager orchestrates startup and reconnect recovery.
type Manager struct {
	store      *candlestore.Store
	backfiller *backfill.Backfiller
	tms        *trades.Service
	pending    *reconcile.PendingReconciler
	exits      *reconcile.ExitReconciler

	symbols []string
	now     func() time.Time
}

// New wires the manager. pending and exits may be nil when reconcilers are
// managed elsewhere.
func New(store *candlestore.Store, backfiller *backfill.Backfiller, tms *trades.Service,
	pending *reconcile.PendingReconciler, exits *reconcile.ExitReconciler, symbols []string) *Manager {
	return &Manager{
		store:      store,
		backfiller: backfiller,
		tms:        tms,
		pending:    pending,
		exits:      exits,
		symbols:    symbols,
		now:        time.Now,
	}
}

// RunStartup performs the full recovery sequence. Per-symbol failures are
// logged and skipped; trade-state recovery always runs.
func (m *Manager) RunStartup(ctx context.Context) error {
	start := m.now()
	log.Printf("[recovery] startup recovery for %d symbols", len(m.symbols))

	tfs := []model.Timeframe{model.LTF, model.ITF, model.HTF}
	if err := m.store.Warmup(ctx, m.symbols, tfs); err != nil {
		log.Printf("[recovery] cache warmup: %v", err)
	}

	// Before the session opens there is nothing to backfill today; the warm
	// cache is the whole job.
	if sessionclock.IsTradingDay(m.now()) && m.now().Before(todayOpen(m.now())) {
		log.Println("[recovery] pre-session start, skipping backfill")
	} else {
		for _, symbol := range m.symbols {
			if err := m.backfiller.BackfillIfNeeded(ctx, symbol); err != nil {
				log.Printf("[recovery] backfill %s: %v", symbol, err)
			}
		}
	}

	if err := m.tms.RebuildActiveIndex(ctx); err != nil {
		return err
	}

	// In-flight orders from before the restart: reconcile immediately rather
	// than waiting for the first timer tick.
	if m.pending != nil {
		m.pending.RunCycle(ctx)
	}
	if m.exits != nil {
		m.exits.RunCycle(ctx)
	}

	log.Printf("[recovery] startup recovery done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// OnReconnect refills any candle gap that opened while the feed was down.
// Called from the adapter's state-change hook when the socket comes back
// during a session.
func (m *Manager) OnReconnect(ctx context.Context) {
	if !sessionclock.IsWithinSession(m.now()) {
		return
	}
	log.Println("[recovery] feed reconnected mid-session, checking for gaps")
	for _, symbol := range m.symbols {
		if err := m.backfiller.BackfillIfNeeded(ctx, symbol); err != nil {
			log.Printf("[recovery] reconnect backfill %s: %v", symbol, err)
		}
	}
}

func todayOpen(now time.Time) time.Time {
	return sessionclock.TodaySessionStart(now)
}
