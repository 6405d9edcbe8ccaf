// Package broker defines the adapter surface the engine uses to talk to a
// brokerage. Implementations: smartapi (full trading) and relay (read-only
// feed consumer).
package broker

import (
	"context"
	"errors"
	"time"

	"trading-enginev1/internal/model"
)

// Stable error codes surfaced to trades and exit intents.
const (
	CodeNotConnected     = "BROKER_NOT_CONNECTED"
	CodeReadOnly         = "BROKER_READ_ONLY"
	CodeStaleFeed        = "BROKER_STALE_FEED"
	CodeOrderRejected    = "BROKER_ORDER_REJECTED"
	CodeSessionExpired   = "BROKER_SESSION_EXPIRED"
	CodeRateLimited      = "BROKER_RATE_LIMITED"
	CodeTimeout          = "BROKER_TIMEOUT"
	CodeUnknownOrder     = "BROKER_UNKNOWN_ORDER"
	CodeTradingDisabled  = "TRADING_DISABLED"
)

// ErrNotConnected is returned by operations that require a live session.
var ErrNotConnected = errors.New("broker: not connected")

// ErrReadOnly is returned by order mutations when the adapter cannot accept
// orders (read-only mode, stale feed, relay adapter).
var ErrReadOnly = errors.New("broker: read-only")

// Adapter is the full brokerage surface. Feed-only implementations return
// ErrReadOnly from every order mutation.
type Adapter interface {
	// Connect establishes the session and the market data stream.
	Connect(ctx context.Context) (model.ConnectionResult, error)
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether the data stream is live.
	IsConnected() bool
	// CanPlaceOrders reports whether order placement is currently allowed:
	// connected, session valid, and the feed not stale.
	CanPlaceOrders() bool

	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, price int64, qty int64) (model.OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (model.OrderResult, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*model.BrokerOrderStatus, error)
	GetOpenOrders(ctx context.Context) ([]model.BrokerOrderStatus, error)

	GetPositions(ctx context.Context) ([]model.PositionInfo, error)
	GetHoldings(ctx context.Context) ([]model.HoldingInfo, error)
	GetFunds(ctx context.Context) (*model.FundsInfo, error)
	GetLTP(ctx context.Context, symbol string) (int64, error)
	GetHistoricalCandles(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)

	// SubscribeTicks registers symbols on the stream; ticks arrive on the
	// channel returned by Ticks().
	SubscribeTicks(symbols []string) error
	UnsubscribeTicks(symbols []string) error
	Ticks() <-chan model.Tick

	// GetInstruments returns the symbol/token master for this broker.
	GetInstruments(ctx context.Context) ([]model.Instrument, error)
	// ReloadToken refreshes session credentials without a full reconnect.
	ReloadToken(ctx context.Context) error
}
