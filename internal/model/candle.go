package model

import (
	"encoding/json"
	"time"
)

// Timeframe is a candle bucket duration in minutes.
type Timeframe int

const (
	// LTF is the base 1-minute timeframe built directly from ticks.
	LTF Timeframe = 1
	// ITF is the 25-minute intermediate timeframe, aggregated from LTF.
	ITF Timeframe = 25
	// HTF is the 125-minute higher timeframe, aggregated from LTF.
	HTF Timeframe = 125
	// Daily is the full-session daily timeframe.
	Daily Timeframe = 1440
)

// Minutes returns the bucket width in minutes.
func (tf Timeframe) Minutes() int { return int(tf) }

// Duration returns the bucket width as a time.Duration.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) * time.Minute }

func (tf Timeframe) String() string {
	switch tf {
	case LTF:
		return "1m"
	case ITF:
		return "25m"
	case HTF:
		return "125m"
	case Daily:
		return "DAILY"
	default:
		return itoa(int(tf)) + "m"
	}
}

// IntradayTimeframes are the timeframes maintained live during a session.
var IntradayTimeframes = []Timeframe{LTF, ITF, HTF}

// Candle represents an OHLCV candle for a single symbol and timeframe.
// All prices are in paise (int64) to avoid floating-point drift.
// TS is the bucket start time (UTC), aligned from session open for
// intraday timeframes.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	TS        time.Time `json:"ts"`
	Open      int64     `json:"open"`   // paise
	High      int64     `json:"high"`   // paise
	Low       int64     `json:"low"`    // paise
	Close     int64     `json:"close"`  // paise
	Volume    int64     `json:"volume"` // cumulative quantity in this bucket
}

// Key returns a unique cache key for this candle's series: "symbol|tf".
func (c *Candle) Key() string {
	return c.Symbol + "|" + c.Timeframe.String()
}

// Valid reports whether the OHLC invariant holds:
// low <= min(open, close) <= max(open, close) <= high, volume >= 0.
func (c *Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

// StreamKey returns the Redis stream key: "candle:{tf}:{symbol}".
func (c *Candle) StreamKey() string {
	return "candle:" + c.Timeframe.String() + ":" + c.Symbol
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
