package model

import (
	"encoding/json"
	"time"
)

// Tick represents a single market data tick from a broker feed.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      int64     `json:"price"` // paise (LTP)
	Qty        int64     `json:"qty"`   // last traded quantity
	ExchangeTS time.Time `json:"exchange_ts"`
	ReceivedTS time.Time `json:"received_ts"`
}

// JSON returns the JSON-encoded tick.
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
