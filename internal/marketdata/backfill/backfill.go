// Package backfill repairs holes in the 1m candle series from the broker's
// historical data API, then recomputes the aggregate timeframes over the
// repaired window. Requests are queued so the tick path never waits on a
// broker call.
package backfill

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-enginev1/internal/candlestore"
	"trading-enginev1/internal/marketdata/aggregator"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/sessionclock"
)

// HistoryProvider fetches historical 1m candles, [from, to) half-open.
type HistoryProvider interface {
	GetHistoricalCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

// Request names a missing window for one symbol.
type Request struct {
	Symbol string
	From   time.Time
	To     time.Time
}

// Backfiller fills candle gaps and keeps aggregates consistent afterwards.
type Backfiller struct {
	provider HistoryProvider
	store    *candlestore.Store
	agg      *aggregator.Aggregator
	queue    chan Request
	now      func() time.Time
}

// New creates a Backfiller with a bounded request queue.
func New(provider HistoryProvider, store *candlestore.Store, agg *aggregator.Aggregator) *Backfiller {
	return &Backfiller{
		provider: provider,
		store:    store,
		agg:      agg,
		queue:    make(chan Request, 256),
		now:      time.Now,
	}
}

// Schedule enqueues a gap repair. Non-blocking: a full queue drops the
// request and logs, the next reconnect backfill will catch it.
func (b *Backfiller) Schedule(symbol string, from, to time.Time) {
	select {
	case b.queue <- Request{Symbol: symbol, From: from, To: to}:
	default:
		log.Printf("[backfill] queue full, dropping request %s [%s, %s)",
			symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
}

// Run drains the queue. Blocks until ctx is cancelled.
func (b *Backfiller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.queue:
			if err := b.BackfillRange(ctx, req.Symbol, req.From, req.To); err != nil {
				log.Printf("[backfill] %s: %v", req.Symbol, err)
			}
		}
	}
}

// BackfillIfNeeded inspects the stored 1m series for symbol and repairs
// whatever is missing up to now: a full session fetch when the series is
// empty for today, or the window since the last stored candle otherwise.
// Called on startup and after every reconnect.
func (b *Backfiller) BackfillIfNeeded(ctx context.Context, symbol string) error {
	now := b.now()
	if !sessionclock.IsTradingDay(now) {
		return nil
	}

	sessionStart := sessionclock.TodaySessionStart(now).UTC()
	end := sessionclock.FloorToMinute(now)
	if sessionEnd := sessionclock.TodaySessionEnd(now).UTC(); end.After(sessionEnd) {
		end = sessionEnd
	}
	if !end.After(sessionStart) {
		return nil
	}

	latest, err := b.store.GetLatest(ctx, symbol, model.LTF)
	if err != nil {
		return fmt.Errorf("latest 1m %s: %w", symbol, err)
	}

	from := sessionStart
	if latest != nil && latest.TS.After(sessionStart) {
		from = latest.TS.Add(time.Minute)
	}
	if !from.Before(end) {
		return nil
	}
	return b.BackfillRange(ctx, symbol, from, end)
}

// BackfillRange fetches [from, to) 1m candles, upserts them, and recomputes
// the aggregate buckets over the window.
func (b *Backfiller) BackfillRange(ctx context.Context, symbol string, from, to time.Time) error {
	candles, err := b.provider.GetHistoricalCandles(ctx, symbol, model.LTF, from, to)
	if err != nil {
		return fmt.Errorf("history fetch %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil
	}

	if err := b.store.UpsertBatch(ctx, candles); err != nil {
		return fmt.Errorf("history upsert %s: %w", symbol, err)
	}
	log.Printf("[backfill] %s: filled %d candles in [%s, %s)",
		symbol, len(candles), from.Format("15:04"), to.Format("15:04"))

	return b.agg.BackfillRange(ctx, symbol, from, to)
}
