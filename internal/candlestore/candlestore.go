// Package candlestore layers a bounded in-memory cache over the durable
// candle repository. Reads during a session hit memory; the repository is
// the source of truth for warmup and range queries that fall outside the
// cached window.
package candlestore

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"trading-enginev1/internal/model"
)

// DefaultCacheSize is the per-series cap: enough for a full session of 1m
// candles (375) plus spill-over.
const DefaultCacheSize = 500

// series holds cached candles for one (symbol, timeframe), newest first.
type series struct {
	candles []model.Candle
}

// Store is the engine's candle access point. Writes go to both the cache and
// the repository; the cache is trimmed to maxPerSeries.
type Store struct {
	mu           sync.RWMutex
	cache        map[string]*series
	repo         model.CandleRepository
	maxPerSeries int
}

// New creates a Store over the given repository.
func New(repo model.CandleRepository) *Store {
	return &Store{
		cache:        make(map[string]*series),
		repo:         repo,
		maxPerSeries: DefaultCacheSize,
	}
}

func seriesKey(symbol string, tf model.Timeframe) string {
	return symbol + "|" + tf.String()
}

// Upsert writes the candle to the repository and the cache. A candle with a
// timestamp already present replaces the cached entry in place.
func (s *Store) Upsert(ctx context.Context, c model.Candle) error {
	if err := s.repo.Upsert(ctx, c); err != nil {
		return err
	}
	s.cacheUpsert(c)
	return nil
}

// UpsertBatch writes candles in one repository transaction, then caches them.
func (s *Store) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if err := s.repo.UpsertBatch(ctx, candles); err != nil {
		return err
	}
	for _, c := range candles {
		s.cacheUpsert(c)
	}
	return nil
}

func (s *Store) cacheUpsert(c model.Candle) {
	key := seriesKey(c.Symbol, c.Timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.cache[key]
	if sr == nil {
		sr = &series{}
		s.cache[key] = sr
	}

	// Replace in place when the bucket already exists.
	for i := range sr.candles {
		if sr.candles[i].TS.Equal(c.TS) {
			sr.candles[i] = c
			return
		}
	}

	sr.candles = append(sr.candles, c)
	// Newest first
	sort.Slice(sr.candles, func(i, j int) bool {
		return sr.candles[i].TS.After(sr.candles[j].TS)
	})
	if len(sr.candles) > s.maxPerSeries {
		sr.candles = sr.candles[:s.maxPerSeries]
	}
}

// GetLatest returns the newest candle for (symbol, tf). Falls back to the
// repository on a cache miss.
func (s *Store) GetLatest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	s.mu.RLock()
	sr := s.cache[seriesKey(symbol, tf)]
	if sr != nil && len(sr.candles) > 0 {
		c := sr.candles[0]
		s.mu.RUnlock()
		return &c, nil
	}
	s.mu.RUnlock()
	return s.repo.FindLatest(ctx, symbol, tf)
}

// GetRange returns candles in [from, to), ascending. Served from cache when
// the cached window covers `from`, otherwise from the repository.
func (s *Store) GetRange(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	s.mu.RLock()
	sr := s.cache[seriesKey(symbol, tf)]
	if sr != nil && len(sr.candles) > 0 {
		oldest := sr.candles[len(sr.candles)-1].TS
		if !oldest.After(from) {
			out := make([]model.Candle, 0)
			for i := len(sr.candles) - 1; i >= 0; i-- {
				ts := sr.candles[i].TS
				if !ts.Before(from) && ts.Before(to) {
					out = append(out, sr.candles[i])
				}
			}
			s.mu.RUnlock()
			return out, nil
		}
	}
	s.mu.RUnlock()
	return s.repo.FindRange(ctx, symbol, tf, from, to)
}

// FindAll returns up to limit candles, newest first, from the repository.
func (s *Store) FindAll(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	return s.repo.FindAll(ctx, symbol, tf, limit)
}

// Exists reports whether any candle exists for (symbol, tf).
func (s *Store) Exists(ctx context.Context, symbol string, tf model.Timeframe) (bool, error) {
	s.mu.RLock()
	sr := s.cache[seriesKey(symbol, tf)]
	if sr != nil && len(sr.candles) > 0 {
		s.mu.RUnlock()
		return true, nil
	}
	s.mu.RUnlock()
	return s.repo.Exists(ctx, symbol, tf)
}

// Warmup loads the newest candles for each (symbol, tf) from the repository
// into the cache. Called once at startup before the tick pipeline starts.
func (s *Store) Warmup(ctx context.Context, symbols []string, tfs []model.Timeframe) error {
	loaded := 0
	for _, sym := range symbols {
		for _, tf := range tfs {
			candles, err := s.repo.FindAll(ctx, sym, tf, s.maxPerSeries)
			if err != nil {
				return err
			}
			if len(candles) == 0 {
				continue
			}
			s.mu.Lock()
			s.cache[seriesKey(sym, tf)] = &series{candles: candles}
			s.mu.Unlock()
			loaded += len(candles)
		}
	}
	log.Printf("[candlestore] warmed up %d candles for %d symbols", loaded, len(symbols))
	return nil
}

// DeleteOlderThan prunes the repository and drops pruned entries from the
// cache. Returns repository rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, sr := range s.cache {
		trimmed := sr.candles[:0]
		for _, c := range sr.candles {
			if !c.TS.Before(cutoff) {
				trimmed = append(trimmed, c)
			}
		}
		sr.candles = trimmed
	}
	s.mu.Unlock()
	return n, nil
}

// CachedCount returns the number of cached candles for (symbol, tf).
func (s *Store) CachedCount(symbol string, tf model.Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr := s.cache[seriesKey(symbol, tf)]
	if sr == nil {
		return 0
	}
	return len(sr.candles)
}
