package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSameKeyRunsSerially(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	var mu sync.Mutex
	var order []int
	inFlight := 0
	maxInFlight := 0

	for i := 0; i < 200; i++ {
		i := i
		err := c.Submit("SBIN-EQ", func(ctx context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			order = append(order, i)
			inFlight--
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// Barrier: wait for the last task on the same key.
	if err := c.SubmitWait(context.Background(), "SBIN-EQ", func(ctx context.Context) {}); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("maxInFlight = %d, want 1", maxInFlight)
	}
	if len(order) != 200 {
		t.Fatalf("ran %d tasks, want 200", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, FIFO violated", i, v)
		}
	}
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	started := make(chan string, 2)
	release := make(chan struct{})

	// Two keys on different partitions must both start even though the
	// first one is blocked.
	keyA, keyB := distinctPartitionKeys(c)
	c.Submit(keyA, func(ctx context.Context) {
		started <- keyA
		<-release
	})
	c.Submit(keyB, func(ctx context.Context) {
		started <- keyB
		<-release
	})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("second key blocked behind first; keys should run in parallel")
		}
	}
	close(release)
}

// distinctPartitionKeys finds two keys hashing to different partitions.
func distinctPartitionKeys(c *Coordinator) (string, string) {
	a := "key-0"
	pa := c.partitionFor(a)
	for i := 1; ; i++ {
		b := fmt.Sprintf("key-%d", i)
		if c.partitionFor(b) != pa {
			return a, b
		}
	}
}

func TestKeyStickiness(t *testing.T) {
	c := New(16)
	defer c.Shutdown()

	p := c.partitionFor("RELIANCE-EQ")
	for i := 0; i < 100; i++ {
		if c.partitionFor("RELIANCE-EQ") != p {
			t.Fatal("same key must always map to the same partition")
		}
	}
	if p < 0 || p >= c.Partitions() {
		t.Fatalf("partition %d out of range", p)
	}
}

func TestDefaultPartitionsClamped(t *testing.T) {
	n := DefaultPartitions()
	if n < minPartitions || n > maxPartitions {
		t.Errorf("DefaultPartitions() = %d, want within [%d, %d]", n, minPartitions, maxPartitions)
	}
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	c := New(8)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 50; i++ {
		c.Submit("k", func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	if !c.Shutdown() {
		t.Fatal("Shutdown should drain within the timeout")
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 50 {
		t.Errorf("ran = %d, want 50 (queued work must complete on shutdown)", ran)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	c := New(8)
	c.Shutdown()

	if err := c.Submit("k", func(ctx context.Context) {}); err != ErrShutdown {
		t.Errorf("Submit after shutdown = %v, want ErrShutdown", err)
	}
	if err := c.SubmitWait(context.Background(), "k", func(ctx context.Context) {}); err != ErrShutdown {
		t.Errorf("SubmitWait after shutdown = %v, want ErrShutdown", err)
	}
}

func TestPanicDoesNotKillPartition(t *testing.T) {
	c := New(8)
	defer c.Shutdown()

	c.Submit("k", func(ctx context.Context) { panic("boom") })

	ok := make(chan struct{})
	c.Submit("k", func(ctx context.Context) { close(ok) })
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("partition died after task panic")
	}
	if _, _, panics := c.Stats(); panics != 1 {
		t.Errorf("panics = %d, want 1", panics)
	}
}
