package model

import "time"

// OrderRequest is a broker-agnostic order placement request.
// Prices in paise; a zero Price means market.
type OrderRequest struct {
	Symbol          string    `json:"symbol"`
	TransactionType Direction `json:"transaction_type"`
	OrderType       OrderType `json:"order_type"`
	ProductType     string    `json:"product_type"`
	Qty             int64     `json:"qty"`
	Price           int64     `json:"price"`         // paise (0 for market)
	TriggerPrice    int64     `json:"trigger_price"` // paise
	ClientOrderID   string    `json:"client_order_id"`
}

// OrderResult is the outcome of a place/modify/cancel call. The broker layer
// returns results instead of raising: Success=false carries a stable
// ErrorCode plus the broker's message.
type OrderResult struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"order_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// ConnectionResult is the outcome of a broker connect attempt.
type ConnectionResult struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message"`
}

// OrderStatusKind classifies raw broker status strings.
type OrderStatusKind int

const (
	// OrderStatusUnknown means the broker status string was not recognized.
	OrderStatusUnknown OrderStatusKind = iota
	// OrderStatusFilled covers terminal fills (COMPLETE, FILLED).
	OrderStatusFilled
	// OrderStatusRejected covers terminal broker rejections.
	OrderStatusRejected
	// OrderStatusCancelled covers terminal cancellations.
	OrderStatusCancelled
	// OrderStatusWorking covers non-terminal states
	// (OPEN, PENDING, TRIGGER PENDING).
	OrderStatusWorking
)

// ClassifyOrderStatus maps a raw broker status string to its kind.
func ClassifyOrderStatus(raw string) OrderStatusKind {
	switch raw {
	case "COMPLETE", "FILLED", "complete", "filled":
		return OrderStatusFilled
	case "REJECTED", "rejected":
		return OrderStatusRejected
	case "CANCELLED", "CANCELED", "cancelled", "canceled":
		return OrderStatusCancelled
	case "OPEN", "PENDING", "TRIGGER PENDING", "open", "pending", "trigger pending", "PLACED", "put order req received", "validation pending", "open pending", "modify pending":
		return OrderStatusWorking
	}
	return OrderStatusUnknown
}

// BrokerOrderStatus is the authoritative order state returned by a broker's
// order-status endpoint or pushed over its order update stream.
type BrokerOrderStatus struct {
	OrderID         string    `json:"order_id"`
	Status          string    `json:"status"` // raw broker string
	AveragePrice    int64     `json:"average_price"` // paise
	FilledQuantity  int64     `json:"filled_quantity"`
	StatusMessage   string    `json:"status_message"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Kind classifies the raw status.
func (s *BrokerOrderStatus) Kind() OrderStatusKind {
	return ClassifyOrderStatus(s.Status)
}

// PositionInfo is one net position at the broker.
type PositionInfo struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	NetQty      int64  `json:"net_qty"`
	AvgPrice    int64  `json:"avg_price"` // paise
	ProductType string `json:"product_type"`
}

// HoldingInfo is one demat holding at the broker.
type HoldingInfo struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Qty      int64  `json:"qty"`
	AvgPrice int64  `json:"avg_price"` // paise
}

// FundsInfo is the broker's cash and margin snapshot, in paise.
type FundsInfo struct {
	Net            int64 `json:"net"`
	AvailableCash  int64 `json:"available_cash"`
	UtilisedDebits int64 `json:"utilised_debits"`
}
