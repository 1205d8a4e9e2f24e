package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubPrices map[string]float64

func (s stubPrices) LastPrice(_ context.Context, symbol string) (float64, error) {
	p, ok := s[symbol]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return p, nil
}

func TestPricePollerEmitsKnownPrices(t *testing.T) {
	p := NewPricePoller(stubPrices{"BTCUSDT": 65000, "ETHUSDT": 3100}, time.Second, zap.NewNop())

	got := map[string]float64{}
	p.pollOnce(context.Background(), []string{"BTCUSDT", "XRPUSDT", "ETHUSDT"}, func(s string, price float64, _ time.Time) {
		got[s] = price
	})
	if len(got) != 2 || got["BTCUSDT"] != 65000 || got["ETHUSDT"] != 3100 {
		t.Fatalf("emitted %v", got)
	}
}
