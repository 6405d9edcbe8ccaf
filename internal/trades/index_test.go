package trades

import (
	"sort"
	"testing"
)

func TestIndexAddRemove(t *testing.T) {
	ix := NewActiveTradeIndex()
	ix.Add("t1", "SBIN-EQ")
	ix.Add("t2", "SBIN-EQ")
	ix.Add("t3", "INFY-EQ")

	got := ix.OpenTrades("SBIN-EQ")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Errorf("OpenTrades = %v", got)
	}

	ix.Remove("t1")
	if ix.Contains("t1") {
		t.Error("t1 should be gone")
	}
	ix.Remove("t2")
	if got := ix.OpenTrades("SBIN-EQ"); got != nil {
		t.Errorf("empty symbol bucket should be dropped, got %v", got)
	}
	if ix.Size() != 1 {
		t.Errorf("size = %d", ix.Size())
	}
}

func TestIndexRemoveUnknownIsNoop(t *testing.T) {
	ix := NewActiveTradeIndex()
	ix.Remove("nope")
	if ix.Size() != 0 {
		t.Error("size changed")
	}
}

func TestIndexReAddMovesSymbol(t *testing.T) {
	ix := NewActiveTradeIndex()
	ix.Add("t1", "SBIN-EQ")
	ix.Add("t1", "INFY-EQ")

	if got := ix.OpenTrades("SBIN-EQ"); len(got) != 0 {
		t.Errorf("stale symbol entry: %v", got)
	}
	if got := ix.OpenTrades("INFY-EQ"); len(got) != 1 || got[0] != "t1" {
		t.Errorf("OpenTrades = %v", got)
	}
}

func TestIndexRebuild(t *testing.T) {
	ix := NewActiveTradeIndex()
	ix.Add("stale", "OLD-EQ")
	ix.Rebuild(map[string]string{"t1": "SBIN-EQ", "t2": "SBIN-EQ"})

	if ix.Contains("stale") {
		t.Error("rebuild must clear old entries")
	}
	if len(ix.OpenTrades("SBIN-EQ")) != 2 {
		t.Error("rebuild missed entries")
	}
}

func TestIndexSnapshotIsCopy(t *testing.T) {
	ix := NewActiveTradeIndex()
	ix.Add("t1", "SBIN-EQ")
	snap := ix.OpenTrades("SBIN-EQ")
	snap[0] = "mutated"
	if got := ix.OpenTrades("SBIN-EQ"); got[0] != "t1" {
		t.Error("snapshot aliasing: caller mutation leaked into the index")
	}
}
