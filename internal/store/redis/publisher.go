// Package redis mirrors closed candles and lifecycle events to Redis so
// dashboards and downstream services can consume them without touching the
// engine's SQLite store. All publishing is best-effort: a dead Redis never
// stalls the trade pipeline.
package redis

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"trading-enginev1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: a full session of 1m candles plus buffer.
	candleStreamMaxLen = 500
	eventStreamMaxLen  = 5000
	defaultLatestTTL   = 30 * time.Minute

	queueSize = 4096
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

type job struct {
	candle *model.Candle
	event  *model.Event
}

// Publisher writes candles and events to Redis through an internal queue.
// Enqueue methods never block; when the queue is full the item is dropped
// and counted.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	queue   chan job
	dropped atomic.Uint64
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// NewPublisher creates a Publisher and pings the server.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	breaker := NewCircuitBreaker(5, 10*time.Second)
	breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
	}
	return &Publisher{
		client:  client,
		breaker: breaker,
		queue:   make(chan job, queueSize),
	}, nil
}

// PublishCandle enqueues a closed candle. Non-blocking.
func (p *Publisher) PublishCandle(c model.Candle) {
	select {
	case p.queue <- job{candle: &c}:
	default:
		p.dropped.Add(1)
	}
}

// PublishEvent enqueues a lifecycle event. Non-blocking.
// Satisfies events.Sink.
func (p *Publisher) PublishEvent(evt model.Event) {
	select {
	case p.queue <- job{event: &evt}:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of items dropped due to a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run drains the queue and writes to Redis. Blocks until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			err := p.breaker.Execute(func() error {
				if j.candle != nil {
					return p.writeCandle(ctx, *j.candle)
				}
				return p.writeEvent(ctx, *j.event)
			})
			if err != nil && err != ErrCircuitOpen {
				log.Printf("[redis] publish error: %v", err)
			}
		}
	}
}

// writeCandle performs the pipelined XADD + SET latest + PUBLISH for a candle.
func (p *Publisher) writeCandle(ctx context.Context, c model.Candle) error {
	jsonData := string(c.JSON())
	streamKey := c.StreamKey()
	latestKey := "candle:" + c.Timeframe.String() + ":latest:" + c.Symbol
	pubsubCh := "pub:" + streamKey

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: candleStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("candle pipeline %s: %w", c.Key(), err)
	}
	return nil
}

// writeEvent performs XADD to the shared event stream plus PUBLISH on the
// per-type channel.
func (p *Publisher) writeEvent(ctx context.Context, evt model.Event) error {
	jsonData := string(evt.JSON())

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: "events",
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, evt.ChannelKey(), jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("event pipeline %s: %w", evt.Type, err)
	}
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
