package model

import "time"

// Signal is a strategy output consumed read-only by the engine. It carries
// the multi-timeframe zone context used to seed the trade's MTF snapshot.
type Signal struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	HTFLow           int64   `json:"htf_low"`  // paise
	HTFHigh          int64   `json:"htf_high"` // paise
	ITFLow           int64   `json:"itf_low"`
	ITFHigh          int64   `json:"itf_high"`
	LTFLow           int64   `json:"ltf_low"`
	LTFHigh          int64   `json:"ltf_high"`
	EffectiveFloor   int64   `json:"effective_floor"`
	EffectiveCeiling int64   `json:"effective_ceiling"`
	ConfluenceScore  float64 `json:"confluence_score"`
	ConfluenceType   string  `json:"confluence_type"`

	CreatedAt time.Time `json:"created_at"`
}

// Snapshot copies the zone context into an MTFSnapshot for the trade row.
func (s *Signal) Snapshot() MTFSnapshot {
	return MTFSnapshot{
		HTFLow:           s.HTFLow,
		HTFHigh:          s.HTFHigh,
		ITFLow:           s.ITFLow,
		ITFHigh:          s.ITFHigh,
		LTFLow:           s.LTFLow,
		LTFHigh:          s.LTFHigh,
		EffectiveFloor:   s.EffectiveFloor,
		EffectiveCeiling: s.EffectiveCeiling,
		ConfluenceScore:  s.ConfluenceScore,
		ConfluenceType:   s.ConfluenceType,
	}
}
