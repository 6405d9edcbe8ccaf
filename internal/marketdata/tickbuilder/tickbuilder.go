// Package tickbuilder builds 1-minute candles from raw ticks. It deduplicates
// replayed ticks with a two-window key set, filters ticks outside market
// hours, detects gaps between minute buckets, and finalizes candles either
// when a tick arrives in a new bucket or when the time finalizer notices a
// bucket has passed.
package tickbuilder

import (
	"context"
	"log"
	"sync"
	"time"

	"trading-enginev1/internal/model"
	"trading-enginev1/internal/sessionclock"
)

const (
	dedupWindow = 60 * time.Second
	// finalizeGrace is how long after bucket end the time finalizer waits
	// for late ticks before closing the candle.
	finalizeGrace = 2 * time.Second
	// finalizerInterval drives the periodic sweep of overdue partials.
	finalizerInterval = 2 * time.Second
)

// partial is a forming 1m candle for one symbol.
type partial struct {
	candle model.Candle
	bucket time.Time
}

// Builder consumes ticks and emits closed 1m candles on the output channel.
// Emission never blocks: if the consumer is behind, the candle is dropped
// and logged.
type Builder struct {
	mu       sync.Mutex
	partials map[string]*partial

	dedupMu    sync.Mutex
	dedupCur   map[string]struct{}
	dedupPrev  map[string]struct{}
	lastRotate time.Time

	out chan<- model.Candle

	// OnGap is called when a new bucket starts more than one minute after
	// the previous one, with the half-open missing range [from, to).
	OnGap func(symbol string, from, to time.Time)

	// SessionFilter decides whether a tick timestamp is tradable. Defaults
	// to sessionclock.IsWithinSession; tests override it.
	SessionFilter func(time.Time) bool

	// OnAccepted observes every tick that survived dedup and the session
	// filter, with its resolved timestamp. Duplicates and off-session ticks
	// never reach it, so it is the hook for latest-price consumers.
	OnAccepted func(t model.Tick, ts time.Time)

	now func() time.Time

	// Counters (read via stats, not synchronized beyond the mutexes above)
	duplicates   uint64
	offSession   uint64
	emitted      uint64
	droppedEmits uint64
}

// New creates a Builder emitting closed candles on out.
func New(out chan<- model.Candle) *Builder {
	return &Builder{
		partials:      make(map[string]*partial, 64),
		dedupCur:      make(map[string]struct{}, 1024),
		dedupPrev:     make(map[string]struct{}, 1024),
		out:           out,
		SessionFilter: sessionclock.IsWithinSession,
		now:           time.Now,
	}
}

// Run consumes ticks until ctx is cancelled or the channel closes, running
// the time finalizer alongside. Remaining partials are flushed on exit.
func (b *Builder) Run(ctx context.Context, ticks <-chan model.Tick) {
	finalizer := time.NewTicker(finalizerInterval)
	defer finalizer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll()
			return
		case t, ok := <-ticks:
			if !ok {
				b.FlushAll()
				return
			}
			b.OnTick(t)
		case <-finalizer.C:
			b.FinalizeOverdue(b.now())
		}
	}
}

// OnTick processes one tick: dedup, session filter, bucket update.
func (b *Builder) OnTick(t model.Tick) {
	ts := t.ExchangeTS
	if ts.IsZero() {
		ts = t.ReceivedTS
	}
	if ts.IsZero() {
		ts = b.now()
	}

	if b.isDuplicate(t, ts) {
		b.duplicates++
		return
	}

	if !b.SessionFilter(ts) {
		b.offSession++
		return
	}

	if b.OnAccepted != nil {
		b.OnAccepted(t, ts)
	}

	bucket := sessionclock.FloorToMinute(ts)

	b.mu.Lock()
	p := b.partials[t.Symbol]
	if p == nil {
		b.partials[t.Symbol] = newPartial(t, bucket)
		b.mu.Unlock()
		return
	}

	switch {
	case bucket.Equal(p.bucket):
		applyTick(&p.candle, t)
		b.mu.Unlock()

	case bucket.After(p.bucket):
		closed := p.candle
		gapFrom := p.bucket.Add(time.Minute)
		b.partials[t.Symbol] = newPartial(t, bucket)
		b.mu.Unlock()

		b.emit(closed)
		if bucket.After(gapFrom) && b.OnGap != nil {
			b.OnGap(t.Symbol, gapFrom, bucket)
		}

	default:
		// Late tick for an already-closed bucket; the candle was emitted,
		// history backfill will repair it if it mattered.
		b.mu.Unlock()
	}
}

// isDuplicate checks the two-window dedup set and rotates it when due.
// The key includes the exchange timestamp when present; otherwise the
// receive second stands in, marked so the two never collide.
func (b *Builder) isDuplicate(t model.Tick, ts time.Time) bool {
	var key string
	if !t.ExchangeTS.IsZero() {
		key = t.Symbol + "|" + itoa(t.ExchangeTS.UnixMilli()) + "|" + itoa(t.Price) + "|" + itoa(t.Qty)
	} else {
		key = t.Symbol + "|SYS:" + itoa(ts.Unix()) + "|" + itoa(t.Price) + "|" + itoa(t.Qty)
	}

	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	now := b.now()
	if now.Sub(b.lastRotate) >= dedupWindow {
		b.dedupPrev = b.dedupCur
		b.dedupCur = make(map[string]struct{}, len(b.dedupPrev))
		b.lastRotate = now
	}

	if _, seen := b.dedupCur[key]; seen {
		return true
	}
	if _, seen := b.dedupPrev[key]; seen {
		return true
	}
	b.dedupCur[key] = struct{}{}
	return false
}

// FinalizeOverdue closes partials whose bucket ended more than the grace
// period before now.
func (b *Builder) FinalizeOverdue(now time.Time) {
	var closed []model.Candle

	b.mu.Lock()
	for sym, p := range b.partials {
		if now.Sub(p.bucket.Add(time.Minute)) > finalizeGrace {
			closed = append(closed, p.candle)
			delete(b.partials, sym)
		}
	}
	b.mu.Unlock()

	for _, c := range closed {
		b.emit(c)
	}
}

// FlushAll emits every remaining partial. Called on shutdown.
func (b *Builder) FlushAll() {
	b.mu.Lock()
	var closed []model.Candle
	for _, p := range b.partials {
		closed = append(closed, p.candle)
	}
	b.partials = make(map[string]*partial, 64)
	b.mu.Unlock()

	for _, c := range closed {
		b.emit(c)
	}
}

// Partial returns a copy of the forming candle for symbol, if any.
func (b *Builder) Partial(symbol string) (model.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partials[symbol]
	if p == nil {
		return model.Candle{}, false
	}
	return p.candle, true
}

// Stats returns (duplicates, off-session, emitted, dropped emits).
func (b *Builder) Stats() (uint64, uint64, uint64, uint64) {
	return b.duplicates, b.offSession, b.emitted, b.droppedEmits
}

func (b *Builder) emit(c model.Candle) {
	select {
	case b.out <- c:
		b.emitted++
	default:
		b.droppedEmits++
		log.Printf("[tickbuilder] output full, dropping candle %s @ %s", c.Key(), c.TS.Format(time.RFC3339))
	}
}

func newPartial(t model.Tick, bucket time.Time) *partial {
	return &partial{
		bucket: bucket,
		candle: model.Candle{
			Symbol:    t.Symbol,
			Timeframe: model.LTF,
			TS:        bucket,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Volume:    t.Qty,
		},
	}
}

func applyTick(c *model.Candle, t model.Tick) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Qty
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
