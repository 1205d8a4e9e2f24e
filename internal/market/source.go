package market

import (
	"context"
	"time"

	binancews "spot-core/pkg/market/binance"
)

// Tick is one observed trade price.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickSource opens a price stream for one symbol. The returned channel is
// closed when the connection drops or ctx is done.
type TickSource interface {
	Stream(ctx context.Context, symbol string) (<-chan Tick, error)
}

// BinanceSource streams public trades from the Binance websocket.
type BinanceSource struct {
	client *binancews.StreamClient
}

func NewBinanceSource(client *binancews.StreamClient) *BinanceSource {
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Stream(ctx context.Context, symbol string) (<-chan Tick, error) {
	trades, stop, err := s.client.SubscribeTrades(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan Tick, 64)
	go func() {
		defer close(out)
		defer stop()
		for tr := range trades {
			select {
			case out <- Tick{Symbol: symbol, Price: tr.Price, Time: tr.Time}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
