package common

import "errors"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// ErrNotFilled is returned when the venue acknowledged an order without any fill.
var ErrNotFilled = errors.New("order not filled")

// MarketOrderRequest captures a market order intent.
type MarketOrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	// QuantityText is the quantity rendered with the symbol's step precision.
	QuantityText string
	ClientID     string
	// RefPrice is the last observed price; simulated venues fill around it.
	RefPrice float64
}

// MarketOrderResult reports the executed part of a market order.
type MarketOrderResult struct {
	OrderID   string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
	Fee       float64 // quote-currency fee
}

// SymbolFilters is the subset of exchange symbol filters the engine enforces.
type SymbolFilters struct {
	Symbol      string
	MinQty      float64
	MaxQty      float64
	StepSize    float64
	MinNotional float64
	MaxNotional float64
}
