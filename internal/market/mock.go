package market

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockSource generates random-walk ticks for local development. Each symbol
// walks from its last generated price, whether it was produced by a stream
// or by LastPrice.
type MockSource struct {
	StartPrice float64 // default 100
	StepPct    float64 // max move per tick in percent; default 0.05
	Interval   time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

func (m *MockSource) Stream(ctx context.Context, symbol string) (<-chan Tick, error) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}

	out := make(chan Tick, 16)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				select {
				case out <- Tick{Symbol: symbol, Price: m.walk(symbol), Time: now}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LastPrice advances symbol's walk by one step, so retained symbols keep
// moving under the REST poller.
func (m *MockSource) LastPrice(_ context.Context, symbol string) (float64, error) {
	return m.walk(symbol), nil
}

func (m *MockSource) walk(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	price, ok := m.prices[symbol]
	if !ok {
		price = m.StartPrice
		if price <= 0 {
			price = 100.0
		}
	}
	step := m.StepPct
	if step <= 0 {
		step = 0.05
	}
	price *= 1 + (m.rng.Float64()*2-1)*step/100
	m.prices[symbol] = price
	return price
}
