package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/pkg/cache"
	"spot-core/pkg/logger"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	scripts []chan Tick
}

func (f *fakeSource) Stream(ctx context.Context, symbol string) (<-chan Tick, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var in chan Tick
	if i < len(f.scripts) {
		in = f.scripts[i]
	} else {
		in = make(chan Tick)
	}
	f.mu.Unlock()

	out := make(chan Tick)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				out <- t
			}
		}
	}()
	return out, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type heldSymbols struct {
	mu   sync.Mutex
	syms []string
}

func (h *heldSymbols) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.syms...)
}

func (h *heldSymbols) set(s ...string) {
	h.mu.Lock()
	h.syms = s
	h.mu.Unlock()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	if _, ok := h.Last(); ok {
		t.Fatal("empty history has no last price")
	}
	for _, p := range []float64{1, 2, 3, 4, 5} {
		h.Push(p)
	}
	got := h.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("Snapshot = %v, want [3 4 5]", got)
	}
	if last, _ := h.Last(); last != 5 {
		t.Fatalf("Last = %v", last)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	src := &fakeSource{}
	m := NewManager(Config{Source: src})
	defer m.Close()

	for i := 0; i < 3; i++ {
		if err := m.Subscribe("BTCUSDT"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	eventually(t, func() bool { return src.callCount() == 1 })
	time.Sleep(10 * time.Millisecond)
	if n := src.callCount(); n != 1 {
		t.Fatalf("stream opened %d times", n)
	}
	if got := m.Symbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("Symbols = %v", got)
	}
}

func TestTicksHandledInOrderWithBoundedHistory(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	var (
		mu      sync.Mutex
		prices  []float64
		lastLen int
	)
	cached := cache.NewPriceCache()
	m := NewManager(Config{
		Source:     &fakeSource{},
		Cache:      cached,
		MaxHistory: 5,
		Handler: func(symbol string, price float64, ts time.Time, history []float64) {
			mu.Lock()
			prices = append(prices, price)
			lastLen = len(history)
			mu.Unlock()
		},
	})
	defer m.Close()
	_ = m.Subscribe("ETHUSDT")

	now := time.Now()
	for i := 1; i <= 10; i++ {
		if !m.OnTick("ETHUSDT", float64(i), now.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("tick %d rejected", i)
		}
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 10
	})

	mu.Lock()
	for i, p := range prices {
		if p != float64(i+1) {
			t.Fatalf("tick %d out of order: %v", i, prices)
		}
	}
	if lastLen != 5 {
		t.Fatalf("history length = %d, want 5", lastLen)
	}
	mu.Unlock()

	if h := m.History("ETHUSDT"); len(h) != 5 || h[0] != 6 || h[4] != 10 {
		t.Fatalf("History = %v", h)
	}
	if p, ok := cached.Get("ETHUSDT"); !ok || p != 10 {
		t.Fatalf("cache price = %v, %v", p, ok)
	}
	if m.OnTick("DOGEUSDT", 1, now) {
		t.Fatal("tick for unknown symbol accepted")
	}
}

func TestFullMailboxDropsTick(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	m := NewManager(Config{
		Source:  &fakeSource{},
		Mailbox: 1,
		Handler: func(string, float64, time.Time, []float64) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		},
	})
	_ = m.Subscribe("BTCUSDT")

	now := time.Now()
	m.OnTick("BTCUSDT", 1, now)
	<-started
	if !m.OnTick("BTCUSDT", 2, now) {
		t.Fatal("second tick should fit the mailbox")
	}
	if m.OnTick("BTCUSDT", 3, now) {
		t.Fatal("third tick should be dropped")
	}
	if _, dropped := m.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	// history still sees every tick
	if h := m.History("BTCUSDT"); len(h) != 3 {
		t.Fatalf("History = %v", h)
	}
	close(release)
	m.Close()
}

func TestUnsubscribeRetainsHeldSymbol(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	held := &heldSymbols{}
	held.set("BTCUSDT")
	m := NewManager(Config{Source: &fakeSource{}, Positions: held})
	defer m.Close()

	_ = m.Subscribe("BTCUSDT")
	_ = m.Subscribe("ETHUSDT")
	m.Sync([]string{"ETHUSDT"})

	if got := m.Symbols(); len(got) != 1 || got[0] != "ETHUSDT" {
		t.Fatalf("Symbols = %v", got)
	}
	if !m.OnTick("BTCUSDT", 100, time.Now()) {
		t.Fatal("retained symbol must keep accepting ticks")
	}
	if got := m.retained(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("retained = %v", got)
	}

	held.set()
	if got := m.retained(); len(got) != 0 {
		t.Fatalf("retained after close = %v", got)
	}
	if m.OnTick("BTCUSDT", 101, time.Now()) {
		t.Fatal("retired symbol still accepts ticks")
	}
}

func TestStreamReconnects(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	first := make(chan Tick)
	close(first) // connection drops immediately
	src := &fakeSource{scripts: []chan Tick{first}}
	bus := events.NewBus()
	states, unsub := bus.Subscribe(16, events.EventStreamState)
	defer unsub()

	m := NewManager(Config{Source: src, Bus: bus, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	defer m.Close()
	_ = m.Subscribe("BTCUSDT")

	var seen []bool
	for len(seen) < 3 {
		select {
		case env := <-states:
			seen = append(seen, env.Payload.(events.StreamStatePayload).Connected)
		case <-time.After(2 * time.Second):
			t.Fatalf("stream states so far: %v", seen)
		}
	}
	if !seen[0] || seen[1] || !seen[2] {
		t.Fatalf("states = %v, want connected, disconnected, connected", seen)
	}
	eventually(t, func() bool { return m.Connected("BTCUSDT") })
	if src.callCount() < 2 {
		t.Fatalf("stream calls = %d", src.callCount())
	}
}

func TestSyncRetainsHeldSymbolOutsideActiveSet(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	held := &heldSymbols{}
	held.set("ETHUSDT")

	var (
		mu  sync.Mutex
		got []string
	)
	m := NewManager(Config{
		Source:       &fakeSource{},
		Positions:    held,
		Prices:       stubPrices{"ETHUSDT": 3100},
		PollInterval: 10 * time.Millisecond,
		Handler: func(symbol string, price float64, _ time.Time, _ []float64) {
			mu.Lock()
			got = append(got, symbol)
			mu.Unlock()
		},
	})
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Sync([]string{"BTCUSDT"})

	if syms := m.Symbols(); len(syms) != 1 || syms[0] != "BTCUSDT" {
		t.Fatalf("Symbols = %v", syms)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range got {
			if s == "ETHUSDT" {
				return true
			}
		}
		return false
	})
	if r := m.retained(); len(r) != 1 || r[0] != "ETHUSDT" {
		t.Fatalf("retained = %v", r)
	}

	// a second sync must not recreate the actor
	m.Sync([]string{"BTCUSDT"})
	if h := m.History("ETHUSDT"); len(h) == 0 || h[len(h)-1] != 3100 {
		t.Fatalf("History = %v", h)
	}
}

func TestCloseWithoutCancellingStartContext(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	m := NewManager(Config{Source: &fakeSource{}, PollInterval: time.Hour})
	m.Start(context.Background())
	_ = m.Subscribe("BTCUSDT")

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestMockSourceWalksPerSymbol(t *testing.T) {
	src := &MockSource{StartPrice: 100, StepPct: 1}
	ctx := context.Background()

	prev, err := src.LastPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if prev < 99 || prev > 101 {
		t.Fatalf("first price %v outside one step of start", prev)
	}
	for i := 0; i < 50; i++ {
		p, _ := src.LastPrice(ctx, "BTCUSDT")
		if p < prev*0.99-1e-9 || p > prev*1.01+1e-9 {
			t.Fatalf("step %d moved %v -> %v", i, prev, p)
		}
		prev = p
	}
	if p, _ := src.LastPrice(ctx, "ETHUSDT"); p < 99 || p > 101 {
		t.Fatalf("ETHUSDT should start its own walk, got %v", p)
	}
}
