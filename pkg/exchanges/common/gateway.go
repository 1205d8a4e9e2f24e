package common

import "context"

// Gateway abstracts the order-placement side of the venue.
type Gateway interface {
	// PlaceMarketOrder sends one market order and reports the fill. It is called
	// at most once per accepted signal; callers bound it with a context deadline.
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (MarketOrderResult, error)
}

// RulesProvider exposes the venue's lot-size and notional filters.
type RulesProvider interface {
	LotSizeRules(ctx context.Context) ([]SymbolFilters, error)
}

// PriceSource returns the latest traded price for a symbol over REST.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
