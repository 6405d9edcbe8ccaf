package model

import (
	"encoding/json"
	"time"
)

// EventType identifies a lifecycle event on the in-process bus.
type EventType string

const (
	EventOrderCreated     EventType = "ORDER_CREATED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventTradeUpdated     EventType = "TRADE_UPDATED"
	EventTradeClosed      EventType = "TRADE_CLOSED"
	EventExitOrderPlaced  EventType = "EXIT_ORDER_PLACED"
	EventExitIntentFilled EventType = "EXIT_INTENT_FILLED"
	EventExitIntentFailed EventType = "EXIT_INTENT_FAILED"
	EventCandle           EventType = "CANDLE"
	EventTick             EventType = "TICK"
)

// Event is a lifecycle event fanned out in-process and mirrored to Redis.
// Payload keys are stable (symbol, timeframe, timestamp, open, high, low,
// close, volume, lastPrice, tradeId, intentId, signalId, exitIntentId,
// brokerOrderId, exitReason, errorCode, errorMessage, filledQty, avgPrice,
// realizedPnl, holdingDays).
type Event struct {
	Type          EventType      `json:"type"`
	TS            time.Time      `json:"ts"`
	UserID        string         `json:"user_id,omitempty"`
	BrokerID      string         `json:"broker_id,omitempty"`
	UserBrokerID  string         `json:"user_broker_id,omitempty"`
	SignalID      string         `json:"signal_id,omitempty"`
	IntentID      string         `json:"intent_id,omitempty"`
	TradeID       string         `json:"trade_id,omitempty"`
	BrokerOrderID string         `json:"broker_order_id,omitempty"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ChannelKey returns the Redis pubsub channel for this event.
func (e *Event) ChannelKey() string {
	return "pub:event:" + string(e.Type)
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
