// Package aggregator maintains the 25m and 125m candles by recomputing the
// session-aligned bucket from stored 1m candles every time a 1m candle
// closes. Recompute-from-base makes the aggregates self-healing: a repaired
// 1m candle fixes its parent buckets on the next pass.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-enginev1/internal/candlestore"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/sessionclock"
)

// Aggregator recomputes higher-timeframe candles from 1m candles.
type Aggregator struct {
	store *candlestore.Store
	tfs   []model.Timeframe

	// OnAggregated is called after each recomputed bucket upsert (optional).
	OnAggregated func(c model.Candle)
}

// New creates an Aggregator over the candle store for the intraday
// aggregate timeframes (25m, 125m).
func New(store *candlestore.Store) *Aggregator {
	return &Aggregator{
		store: store,
		tfs:   []model.Timeframe{model.ITF, model.HTF},
	}
}

// On1MinuteClose recomputes every aggregate bucket containing the closed 1m
// candle.
func (a *Aggregator) On1MinuteClose(ctx context.Context, c model.Candle) error {
	for _, tf := range a.tfs {
		if err := a.recomputeBucket(ctx, c.Symbol, tf, c.TS); err != nil {
			return fmt.Errorf("aggregate %s %s: %w", c.Symbol, tf, err)
		}
	}
	return nil
}

// recomputeBucket rebuilds the tf bucket containing ts from its 1m candles.
func (a *Aggregator) recomputeBucket(ctx context.Context, symbol string, tf model.Timeframe, ts time.Time) error {
	bucketStart := sessionclock.FloorToInterval(ts, tf.Minutes())
	bucketEnd := bucketStart.Add(tf.Duration())

	base, err := a.store.GetRange(ctx, symbol, model.LTF, bucketStart, bucketEnd)
	if err != nil {
		return err
	}
	if len(base) == 0 {
		return nil
	}

	agg := Merge(symbol, tf, bucketStart, base)
	if err := a.store.Upsert(ctx, agg); err != nil {
		return err
	}
	if a.OnAggregated != nil {
		a.OnAggregated(agg)
	}
	return nil
}

// BackfillRange recomputes every aggregate bucket intersecting [from, to) for
// the symbol. Used after history backfill repairs 1m candles.
func (a *Aggregator) BackfillRange(ctx context.Context, symbol string, from, to time.Time) error {
	for _, tf := range a.tfs {
		start := sessionclock.FloorToInterval(from, tf.Minutes())
		n := 0
		for bucket := start; bucket.Before(to); bucket = bucket.Add(tf.Duration()) {
			if err := a.recomputeBucket(ctx, symbol, tf, bucket); err != nil {
				return err
			}
			n++
		}
		log.Printf("[aggregator] backfilled %d %s buckets for %s", n, tf, symbol)
	}
	return nil
}

// Run consumes closed 1m candles and keeps the aggregates current. Blocks
// until ctx is cancelled or the channel closes.
func (a *Aggregator) Run(ctx context.Context, closed <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-closed:
			if !ok {
				return
			}
			if err := a.On1MinuteClose(ctx, c); err != nil {
				log.Printf("[aggregator] %v", err)
			}
		}
	}
}

// Merge folds base candles (ascending by TS) into one candle for the bucket.
func Merge(symbol string, tf model.Timeframe, bucketStart time.Time, base []model.Candle) model.Candle {
	agg := model.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		TS:        bucketStart,
		Open:      base[0].Open,
		High:      base[0].High,
		Low:       base[0].Low,
		Close:     base[len(base)-1].Close,
	}
	for _, c := range base {
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Volume += c.Volume
	}
	return agg
}
