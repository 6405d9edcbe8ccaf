package model

import "time"

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeExiting   TradeStatus = "EXITING"
	TradeClosed    TradeStatus = "CLOSED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeError     TradeStatus = "ERROR"
)

// IsTerminal reports whether the status is absorbing: once a trade reaches a
// terminal status it never transitions again.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeClosed, TradeRejected, TradeCancelled, TradeError:
		return true
	}
	return false
}

// Direction is the trade side.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Reverse returns the opposite side, used for exit orders.
func (d Direction) Reverse() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// TradeClass distinguishes a first entry from a re-entry on the same symbol.
type TradeClass string

const (
	TradeClassNew   TradeClass = "NEWBUY"
	TradeClassRebuy TradeClass = "REBUY"
)

// MTFSnapshot captures the multi-timeframe zone context of the signal at
// entry time. Prices in paise.
type MTFSnapshot struct {
	HTFLow           int64   `json:"htf_low"`
	HTFHigh          int64   `json:"htf_high"`
	ITFLow           int64   `json:"itf_low"`
	ITFHigh          int64   `json:"itf_high"`
	LTFLow           int64   `json:"ltf_low"`
	LTFHigh          int64   `json:"ltf_high"`
	EffectiveFloor   int64   `json:"effective_floor"`
	EffectiveCeiling int64   `json:"effective_ceiling"`
	ConfluenceScore  float64 `json:"confluence_score"`
	ConfluenceType   string  `json:"confluence_type"`
}

// Trade is the tracked position. Only the trade management service mutates
// Trade rows; every mutation bumps Version. ClientOrderID equals the intent
// id and carries a unique constraint, which makes trade creation idempotent.
type Trade struct {
	TradeID       string `json:"trade_id"`
	ClientOrderID string `json:"client_order_id"` // = intent id (idempotency tag)

	UserID       string `json:"user_id"`
	BrokerID     string `json:"broker_id"`
	UserBrokerID string `json:"user_broker_id"`
	SignalID     string `json:"signal_id"`

	Symbol    string      `json:"symbol"`
	Direction Direction   `json:"direction"`
	Class     TradeClass  `json:"class"`
	Status    TradeStatus `json:"status"`

	EntryPrice     int64     `json:"entry_price"` // paise
	EntryQty       int64     `json:"entry_qty"`
	EntryValue     int64     `json:"entry_value"` // paise
	EntryTimestamp time.Time `json:"entry_timestamp"`

	MTF              MTFSnapshot `json:"mtf"`
	ExitPrimaryPrice int64       `json:"exit_primary_price"` // paise (target)
	EffectiveFloor   int64       `json:"effective_floor"`    // paise (stop)

	TrailingActive       bool  `json:"trailing_active"`
	TrailingHighestPrice int64 `json:"trailing_highest_price"`
	TrailingStopPrice    int64 `json:"trailing_stop_price"`

	ExitPrice         int64     `json:"exit_price"` // paise
	ExitTimestamp     time.Time `json:"exit_timestamp"`
	ExitTrigger       string    `json:"exit_trigger"`
	ExitOrderID       string    `json:"exit_order_id"`
	RealizedPnl       int64     `json:"realized_pnl"` // paise
	RealizedLogReturn float64   `json:"realized_log_return"`
	HoldingDays       int       `json:"holding_days"`

	BrokerOrderID      string    `json:"broker_order_id"`
	LastBrokerUpdateAt time.Time `json:"last_broker_update_at"`
	ErrorCode          string    `json:"error_code"`
	ErrorMessage       string    `json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"` // bumped on every write
}

// IsOpen reports whether the trade holds a live position.
func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }
