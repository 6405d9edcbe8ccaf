package model

import (
	"strconv"
	"strings"
	"time"
)

// OrderType matches the broker order type strings.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeSL       OrderType = "SL"
	OrderTypeSLMarket OrderType = "SL-M"
)

// TradeIntent is a proposed trade produced upstream. Immutable here: the
// engine only reads approved intents and converts them into broker orders.
type TradeIntent struct {
	IntentID         string    `json:"intent_id"`
	UserID           string    `json:"user_id"`
	BrokerID         string    `json:"broker_id"`
	UserBrokerID     string    `json:"user_broker_id"`
	SignalID         string    `json:"signal_id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	OrderType        OrderType `json:"order_type"`
	ProductType      string    `json:"product_type"` // INTRADAY, DELIVERY, CARRYFORWARD
	CalculatedQty    int64     `json:"calculated_qty"`
	LimitPrice       int64     `json:"limit_price"` // paise
	ValidationPassed bool      `json:"validation_passed"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExitIntentStatus is the lifecycle state of an ExitIntent.
type ExitIntentStatus string

const (
	ExitIntentApproved  ExitIntentStatus = "APPROVED"
	ExitIntentPlaced    ExitIntentStatus = "PLACED"
	ExitIntentFilled    ExitIntentStatus = "FILLED"
	ExitIntentFailed    ExitIntentStatus = "FAILED"
	ExitIntentCancelled ExitIntentStatus = "CANCELLED"
)

// ExitReason identifies what triggered an exit.
type ExitReason string

const (
	ExitTargetHit ExitReason = "TARGET_HIT"
	ExitStopLoss  ExitReason = "STOP_LOSS"
	ExitTimeBased ExitReason = "TIME_BASED"
	ExitManual    ExitReason = "MANUAL"
	ExitTrailing  ExitReason = "TRAILING_STOP"
)

// ExitIntent is a proposed exit for an already-open trade. The
// APPROVED→PLACED transition is a repository-level CAS that writes a
// placeholder broker order id; the real id overwrites it once the broker
// acknowledges placement.
type ExitIntent struct {
	ExitIntentID  string           `json:"exit_intent_id"`
	TradeID       string           `json:"trade_id"`
	UserBrokerID  string           `json:"user_broker_id"`
	Symbol        string           `json:"symbol"`
	ExitReason    ExitReason       `json:"exit_reason"`
	OrderType     OrderType        `json:"order_type"`
	ProductType   string           `json:"product_type"`
	CalculatedQty int64            `json:"calculated_qty"`
	LimitPrice    int64            `json:"limit_price"` // paise
	Status        ExitIntentStatus `json:"status"`
	BrokerOrderID string           `json:"broker_order_id"`
	ErrorCode     string           `json:"error_code"`
	ErrorMessage  string           `json:"error_message"`
	PlacedAt      time.Time        `json:"placed_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Version       int64            `json:"version"`
}

const placeholderPrefix = "PENDING_"

// PlaceholderOrderID builds the provisional broker order id written during
// the APPROVED→PLACED CAS, before the broker returns the real id.
func PlaceholderOrderID(now time.Time) string {
	return placeholderPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// IsPlaceholderOrderID reports whether id is a provisional order id.
func IsPlaceholderOrderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}
