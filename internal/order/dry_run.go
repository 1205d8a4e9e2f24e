package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
)

// PriceLookup returns the last known price for a symbol.
type PriceLookup interface {
	Get(symbol string) (float64, bool)
}

// DryRunConfig tunes the simulated venue.
type DryRunConfig struct {
	FeeRate     float64 // decimal, e.g. 0.001 = 10 bps
	SlippageBps float64 // worst-case adverse slippage in basis points
	Latency     time.Duration
}

// DryRunGateway fills market orders at the last known price without touching
// the exchange.
type DryRunGateway struct {
	prices PriceLookup
	cfg    DryRunConfig
	log    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	seq atomic.Uint64
}

// NewDryRunGateway creates a simulated gateway. prices may be nil, in which
// case orders fill at their reference price.
func NewDryRunGateway(prices PriceLookup, cfg DryRunConfig) *DryRunGateway {
	return &DryRunGateway{
		prices: prices,
		cfg:    cfg,
		log:    logger.Named("dry-run"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceMarketOrder simulates latency, slippage and fees.
func (d *DryRunGateway) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (common.MarketOrderResult, error) {
	if req.Quantity <= 0 {
		return common.MarketOrderResult{}, fmt.Errorf("dry-run: invalid quantity %v", req.Quantity)
	}

	if d.cfg.Latency > 0 {
		timer := time.NewTimer(d.cfg.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return common.MarketOrderResult{}, ctx.Err()
		}
	}

	price := req.RefPrice
	if d.prices != nil {
		if p, ok := d.prices.Get(req.Symbol); ok && p > 0 {
			price = p
		}
	}
	if price <= 0 {
		return common.MarketOrderResult{}, errors.New("dry-run: no reference price for " + req.Symbol)
	}

	if slip := d.cfg.SlippageBps / 10000.0; slip > 0 {
		d.mu.Lock()
		noise := d.rng.Float64() * slip
		d.mu.Unlock()
		if req.Side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	fee := price * req.Quantity * d.cfg.FeeRate
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	d.log.Debug("dry-run: filled",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", price))

	return common.MarketOrderResult{
		OrderID:   id,
		Status:    common.StatusFilled,
		FilledQty: req.Quantity,
		AvgPrice:  price,
		Fee:       fee,
	}, nil
}
