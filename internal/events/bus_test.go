package events

import (
	"testing"
	"time"

	"trading-enginev1/internal/model"
)

func TestBus_BroadcastsToAll(t *testing.T) {
	bus := NewBus(10)
	out1 := bus.Subscribe("sub1")
	out2 := bus.Subscribe("sub2")

	bus.EmitUserBroker(model.EventTradeUpdated, "u1", "b1", "ub1",
		map[string]any{"status": "OPEN"}, "sig1", "int1", "trd1", "ord1", "test")

	for i, out := range []<-chan model.Event{out1, out2} {
		select {
		case evt := <-out:
			if evt.Type != model.EventTradeUpdated {
				t.Errorf("out%d: type = %s, want TRADE_UPDATED", i+1, evt.Type)
			}
			if evt.TradeID != "trd1" || evt.UserBrokerID != "ub1" {
				t.Errorf("out%d: tags = %+v", i+1, evt)
			}
			if evt.TS.IsZero() {
				t.Errorf("out%d: timestamp not stamped", i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for event", i+1)
		}
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus(10)
	closedOnly := bus.Subscribe("closer", model.EventTradeClosed)

	bus.EmitGlobal(model.EventCandle, map[string]any{"symbol": "SBIN"}, "test")
	bus.EmitUserBroker(model.EventTradeClosed, "u1", "b1", "ub1", nil, "", "", "t1", "", "test")

	select {
	case evt := <-closedOnly:
		if evt.Type != model.EventTradeClosed {
			t.Errorf("filtered subscriber got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TRADE_CLOSED")
	}

	select {
	case evt := <-closedOnly:
		t.Errorf("unexpected extra event %s", evt.Type)
	default:
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	dropped := 0
	bus.OnDrop = func(name string, evtType model.EventType) { dropped++ }
	_ = bus.Subscribe("slow")

	bus.EmitGlobal(model.EventTick, nil, "test")
	bus.EmitGlobal(model.EventTick, nil, "test") // buffer full, dropped

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

type captureSink struct{ events []model.Event }

func (s *captureSink) PublishEvent(evt model.Event) { s.events = append(s.events, evt) }

func TestBus_MirrorsToSink(t *testing.T) {
	bus := NewBus(4)
	sink := &captureSink{}
	bus.SetSink(sink)

	bus.EmitGlobal(model.EventCandle, map[string]any{"symbol": "INFY"}, "test")
	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events, want 1", len(sink.events))
	}
	if sink.events[0].Type != model.EventCandle {
		t.Errorf("sink event type = %s", sink.events[0].Type)
	}
}

func TestBus_EmitAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(4)
	out := bus.Subscribe("s")
	bus.Close()
	bus.EmitGlobal(model.EventTick, nil, "test")

	if _, ok := <-out; ok {
		t.Error("expected closed channel")
	}
}
