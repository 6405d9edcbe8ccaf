// Package coordinator serializes work per key across a fixed set of
// partitions. Tasks submitted with the same key always run on the same
// partition in submission order, so state owned by a key (a trade, a symbol's
// candle series) never sees two tasks at once. Different keys run in parallel
// up to the partition count.
package coordinator

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	minPartitions = 8
	maxPartitions = 32

	// queueSize bounds each partition's FIFO. Submitters block when a
	// partition is full rather than dropping work.
	queueSize = 1024

	// DrainTimeout is how long Shutdown waits for in-flight work.
	DrainTimeout = 30 * time.Second
)

// ErrShutdown is returned by Submit after Shutdown has begun.
var ErrShutdown = errors.New("coordinator: shut down")

// Task is a unit of serialized work. The context is the coordinator's run
// context; tasks should honor its cancellation on long operations.
type Task func(ctx context.Context)

type job struct {
	key  string
	fn   Task
	done chan struct{}
}

// Coordinator routes keyed tasks onto partition workers.
type Coordinator struct {
	partitions []chan job
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	closing atomic.Bool
	closeMu sync.Mutex

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// DefaultPartitions is the CPU count clamped to [8, 32].
func DefaultPartitions() int {
	n := runtime.NumCPU()
	if n < minPartitions {
		return minPartitions
	}
	if n > maxPartitions {
		return maxPartitions
	}
	return n
}

// New starts a coordinator with n partitions; n <= 0 uses DefaultPartitions.
func New(n int) *Coordinator {
	if n <= 0 {
		n = DefaultPartitions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		partitions: make([]chan job, n),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range c.partitions {
		c.partitions[i] = make(chan job, queueSize)
		c.wg.Add(1)
		go c.worker(i)
	}
	log.Printf("[coordinator] started with %d partitions", n)
	return c
}

// Partitions returns the partition count.
func (c *Coordinator) Partitions() int { return len(c.partitions) }

func (c *Coordinator) partitionFor(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(len(c.partitions)))
}

// Submit enqueues fn on key's partition. Blocks if the partition queue is
// full. Returns ErrShutdown once Shutdown has begun.
func (c *Coordinator) Submit(key string, fn Task) error {
	if c.closing.Load() {
		return ErrShutdown
	}
	j := job{key: key, fn: fn}
	// Re-check under the close lock so Shutdown never closes a channel with
	// a concurrent send in flight.
	c.closeMu.Lock()
	if c.closing.Load() {
		c.closeMu.Unlock()
		return ErrShutdown
	}
	c.partitions[c.partitionFor(key)] <- j
	c.submitted.Add(1)
	c.closeMu.Unlock()
	return nil
}

// SubmitWait enqueues fn and blocks until it has run (or ctx is cancelled
// while waiting).
func (c *Coordinator) SubmitWait(ctx context.Context, key string, fn Task) error {
	if c.closing.Load() {
		return ErrShutdown
	}
	j := job{key: key, fn: fn, done: make(chan struct{})}
	c.closeMu.Lock()
	if c.closing.Load() {
		c.closeMu.Unlock()
		return ErrShutdown
	}
	c.partitions[c.partitionFor(key)] <- j
	c.submitted.Add(1)
	c.closeMu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker(idx int) {
	defer c.wg.Done()
	for j := range c.partitions[idx] {
		c.run(j)
	}
}

func (c *Coordinator) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			log.Printf("[coordinator] task panic key=%s: %v", j.key, r)
		}
		c.completed.Add(1)
		if j.done != nil {
			close(j.done)
		}
	}()
	j.fn(c.ctx)
}

// Shutdown stops accepting work, waits up to DrainTimeout for queued tasks to
// finish, then cancels the run context. Returns false if the drain timed out.
func (c *Coordinator) Shutdown() bool {
	c.closeMu.Lock()
	if c.closing.Swap(true) {
		c.closeMu.Unlock()
		c.wg.Wait()
		return true
	}
	for _, p := range c.partitions {
		close(p)
	}
	c.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		log.Printf("[coordinator] drained, %d tasks completed", c.completed.Load())
		return true
	case <-time.After(DrainTimeout):
		c.cancel()
		log.Printf("[coordinator] drain timeout, %d/%d tasks completed",
			c.completed.Load(), c.submitted.Load())
		return false
	}
}

// Stats reports lifetime counters.
func (c *Coordinator) Stats() (submitted, completed, panics int64) {
	return c.submitted.Load(), c.completed.Load(), c.panics.Load()
}
