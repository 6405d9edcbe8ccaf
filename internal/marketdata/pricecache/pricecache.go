// Package pricecache holds the last traded price per symbol. The tick
// pipeline is the only writer; exit evaluation and trailing stops read.
package pricecache

import (
	"sync"
	"time"
)

// Entry is the cached last trade for one symbol.
type Entry struct {
	Price int64 // paise
	TS    time.Time
}

// Cache is a concurrent LTP map.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]Entry, 64)}
}

// Set records the last traded price for symbol.
func (c *Cache) Set(symbol string, price int64, ts time.Time) {
	c.mu.Lock()
	c.entries[symbol] = Entry{Price: price, TS: ts}
	c.mu.Unlock()
}

// Get returns the last traded price, or ok=false if never seen.
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	return e, ok
}

// LastTickAt returns the newest tick timestamp across all symbols. Used for
// feed staleness detection. Zero time if no ticks seen.
func (c *Cache) LastTickAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var newest time.Time
	for _, e := range c.entries {
		if e.TS.After(newest) {
			newest = e.TS
		}
	}
	return newest
}

// Symbols returns all symbols with a cached price.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	return out
}
