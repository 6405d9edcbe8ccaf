package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage implementations
// (SQLite today). Each implementation satisfies one or more of these ports.

// CandleRepository is the durable store for candles.
// Primary key: {symbol, timeframe, ts}; upsert overwrites OHLCV.
type CandleRepository interface {
	// Upsert inserts or overwrites a candle at its primary key.
	Upsert(ctx context.Context, c Candle) error

	// UpsertBatch upserts many candles in one transaction.
	UpsertBatch(ctx context.Context, candles []Candle) error

	// FindLatest returns the newest candle for (symbol, tf), or nil.
	FindLatest(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)

	// FindRange returns candles in [from, to), ascending by timestamp.
	FindRange(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Candle, error)

	// FindAll returns up to limit candles, descending by timestamp.
	FindAll(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)

	// Exists reports whether any candle exists for (symbol, tf).
	Exists(ctx context.Context, symbol string, tf Timeframe) (bool, error)

	// DeleteOlderThan removes candles with ts < cutoff. Returns rows deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases underlying resources.
	Close() error
}

// TradeRepository is the durable store for trades. The trade management
// service is the only writer; Version bumps on every successful write.
type TradeRepository interface {
	Insert(ctx context.Context, t *Trade) error
	Update(ctx context.Context, t *Trade) error
	FindByID(ctx context.Context, tradeID string) (*Trade, error)
	FindByBrokerOrderID(ctx context.Context, brokerOrderID string) (*Trade, error)
	FindByIntentID(ctx context.Context, intentID string) (*Trade, error)
	FindByStatus(ctx context.Context, status TradeStatus) ([]Trade, error)

	// CountNonTerminal counts trades for (userID, symbol) that are not in a
	// terminal status. Used for NEWBUY/REBUY classification.
	CountNonTerminal(ctx context.Context, userID, symbol string) (int, error)

	Close() error
}

// ExitIntentRepository is the durable store for exit intents.
type ExitIntentRepository interface {
	Insert(ctx context.Context, e *ExitIntent) error
	FindByID(ctx context.Context, exitIntentID string) (*ExitIntent, error)
	FindByStatus(ctx context.Context, status ExitIntentStatus) ([]ExitIntent, error)

	// PlaceExitOrder performs the APPROVED→PLACED CAS: a single UPDATE
	// guarded by status='APPROVED' that writes the placeholder broker order
	// id and placedAt. Returns true iff exactly one row transitioned.
	PlaceExitOrder(ctx context.Context, exitIntentID, placeholderOrderID string, placedAt time.Time) (bool, error)

	// UpdateBrokerOrderID overwrites the placeholder with the broker id.
	UpdateBrokerOrderID(ctx context.Context, exitIntentID, brokerOrderID string) error

	MarkFilled(ctx context.Context, exitIntentID string) error
	MarkFailed(ctx context.Context, exitIntentID, errorCode, errorMessage string) error
	MarkCancelled(ctx context.Context, exitIntentID string) error

	Close() error
}

// SignalRepository resolves signals, read-only to the engine.
type SignalRepository interface {
	FindByID(ctx context.Context, signalID string) (*Signal, error)
}

// EventService fans out lifecycle events. Implementations must not block the
// caller: slow consumers drop rather than stall the pipeline.
type EventService interface {
	// EmitUserBroker publishes an event tagged with the full ownership chain.
	EmitUserBroker(evtType EventType, userID, brokerID, userBrokerID string,
		payload map[string]any, signalID, intentID, tradeID, brokerOrderID, source string)

	// EmitGlobal publishes an untagged event (candles, ticks).
	EmitGlobal(evtType EventType, payload map[string]any, source string)
}
