package trades

import "sync"

// ActiveTradeIndex maps symbols to their open trades so the price path can
// find candidates for exit evaluation in O(1). Both directions are kept
// consistent under one lock; reads hand out snapshot copies.
type ActiveTradeIndex struct {
	mu       sync.RWMutex
	bySymbol map[string]map[string]struct{} // symbol → set(tradeID)
	byTrade  map[string]string              // tradeID → symbol
}

// NewActiveTradeIndex creates an empty index.
func NewActiveTradeIndex() *ActiveTradeIndex {
	return &ActiveTradeIndex{
		bySymbol: make(map[string]map[string]struct{}),
		byTrade:  make(map[string]string),
	}
}

// Add registers an open trade. Re-adding is a noop.
func (ix *ActiveTradeIndex) Add(tradeID, symbol string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byTrade[tradeID]; ok && prev != symbol {
		ix.removeLocked(tradeID, prev)
	}
	set, ok := ix.bySymbol[symbol]
	if !ok {
		set = make(map[string]struct{})
		ix.bySymbol[symbol] = set
	}
	set[tradeID] = struct{}{}
	ix.byTrade[tradeID] = symbol
}

// Remove drops a trade; empty symbol buckets are deleted.
func (ix *ActiveTradeIndex) Remove(tradeID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	symbol, ok := ix.byTrade[tradeID]
	if !ok {
		return
	}
	ix.removeLocked(tradeID, symbol)
}

func (ix *ActiveTradeIndex) removeLocked(tradeID, symbol string) {
	delete(ix.byTrade, tradeID)
	if set, ok := ix.bySymbol[symbol]; ok {
		delete(set, tradeID)
		if len(set) == 0 {
			delete(ix.bySymbol, symbol)
		}
	}
}

// OpenTrades returns a snapshot of the trade ids open on symbol.
func (ix *ActiveTradeIndex) OpenTrades(symbol string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.bySymbol[symbol]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Contains reports whether the trade is indexed.
func (ix *ActiveTradeIndex) Contains(tradeID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byTrade[tradeID]
	return ok
}

// Rebuild clears the index and loads the given (tradeID, symbol) pairs.
func (ix *ActiveTradeIndex) Rebuild(pairs map[string]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.bySymbol = make(map[string]map[string]struct{})
	ix.byTrade = make(map[string]string)
	for tradeID, symbol := range pairs {
		set, ok := ix.bySymbol[symbol]
		if !ok {
			set = make(map[string]struct{})
			ix.bySymbol[symbol] = set
		}
		set[tradeID] = struct{}{}
		ix.byTrade[tradeID] = symbol
	}
}

// Size returns the number of indexed trades.
func (ix *ActiveTradeIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byTrade)
}
