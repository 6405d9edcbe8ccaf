// Package events provides the in-process lifecycle event bus. Emitters never
// block: if a subscriber channel is full the event is dropped for that
// subscriber and counted, so a slow consumer cannot stall the trade pipeline.
package events

import (
	"log"
	"sync"
	"time"

	"trading-enginev1/internal/model"
)

// Sink receives a copy of every emitted event for out-of-process mirroring
// (Redis pubsub). Implementations must not block.
type Sink interface {
	PublishEvent(evt model.Event)
}

type subscription struct {
	name  string
	types map[model.EventType]bool // nil means all types
	ch    chan model.Event
}

// Bus fans out lifecycle events to N subscribers plus an optional sink.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	bufSize int
	closed  bool
	sink    Sink

	// OnDrop is called when an event is dropped for a slow subscriber.
	OnDrop func(subscriber string, evtType model.EventType)
}

// NewBus creates a Bus with the given buffer size for subscriber channels.
func NewBus(bufSize int) *Bus {
	return &Bus{bufSize: bufSize}
}

// SetSink installs the mirroring sink. Call before the first Emit.
func (b *Bus) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// Subscribe creates a new subscriber channel. With no types it receives every
// event; otherwise only the listed types.
func (b *Bus) Subscribe(name string, types ...model.EventType) <-chan model.Event {
	sub := &subscription{name: name, ch: make(chan model.Event, b.bufSize)}
	if len(types) > 0 {
		sub.types = make(map[model.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Emit publishes an event to all matching subscribers and the sink.
// Never blocks.
func (b *Bus) Emit(evt model.Event) {
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.OnDrop != nil {
				b.OnDrop(sub.name, evt.Type)
			} else {
				log.Printf("[events] subscriber %s full, dropping %s", sub.name, evt.Type)
			}
		}
	}

	if b.sink != nil {
		b.sink.PublishEvent(evt)
	}
}

// EmitUserBroker publishes an event tagged with the full ownership chain.
func (b *Bus) EmitUserBroker(evtType model.EventType, userID, brokerID, userBrokerID string,
	payload map[string]any, signalID, intentID, tradeID, brokerOrderID, source string) {
	b.Emit(model.Event{
		Type:          evtType,
		UserID:        userID,
		BrokerID:      brokerID,
		UserBrokerID:  userBrokerID,
		SignalID:      signalID,
		IntentID:      intentID,
		TradeID:       tradeID,
		BrokerOrderID: brokerOrderID,
		Source:        source,
		Payload:       payload,
	})
}

// EmitGlobal publishes an untagged event (candles, ticks).
func (b *Bus) EmitGlobal(evtType model.EventType, payload map[string]any, source string) {
	b.Emit(model.Event{Type: evtType, Source: source, Payload: payload})
}

// Close closes all subscriber channels. Further Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}

// ChannelStat reports (length, capacity) for a subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns saturation stats for each subscriber channel.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.subs))
	for i, sub := range b.subs {
		stats[i] = ChannelStat{Name: sub.name, Len: len(sub.ch), Cap: cap(sub.ch)}
	}
	return stats
}

var _ model.EventService = (*Bus)(nil)
