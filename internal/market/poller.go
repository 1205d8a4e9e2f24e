package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spot-core/pkg/exchanges/common"
)

// PricePoller fetches last prices over REST for symbols that hold a position
// but no longer have a stream, so risk exits keep being evaluated.
type PricePoller struct {
	source   common.PriceSource
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func NewPricePoller(source common.PriceSource, interval time.Duration, log *zap.Logger) *PricePoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PricePoller{source: source, interval: interval, timeout: 5 * time.Second, log: log}
}

// Run polls symbols() every interval and hands each price to emit until ctx
// is done.
func (p *PricePoller) Run(ctx context.Context, symbols func() []string, emit func(symbol string, price float64, ts time.Time)) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.pollOnce(ctx, symbols(), emit)
		}
	}
}

func (p *PricePoller) pollOnce(ctx context.Context, symbols []string, emit func(string, float64, time.Time)) {
	for _, sym := range symbols {
		if p.source == nil {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		price, err := p.source.LastPrice(reqCtx, sym)
		cancel()
		if err != nil {
			p.log.Warn("price poll failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if price > 0 {
			emit(sym, price, time.Now())
		}
	}
}
