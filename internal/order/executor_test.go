package order

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/internal/precision"
	"spot-core/internal/risk"
	"spot-core/internal/settings"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/pkg/cache"
	"spot-core/pkg/clock"
	"spot-core/pkg/db"
	"spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
)

type fixedSettings struct{ snap settings.Snapshot }

func (f fixedSettings) Current() settings.Snapshot { return f.snap }

type fakeGateway struct {
	mu    sync.Mutex
	calls []common.MarketOrderRequest
	err   error
	delay time.Duration
	block chan struct{}
	hang  atomic.Bool // wait for ctx like an unresponsive venue

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (common.MarketOrderResult, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		m := g.maxInFlight.Load()
		if n <= m || g.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if g.block != nil {
		<-g.block
	}
	if g.hang.Load() {
		<-ctx.Done()
		return common.MarketOrderResult{}, ctx.Err()
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return common.MarketOrderResult{}, err
	}
	return common.MarketOrderResult{
		OrderID:   "x-" + req.ClientID,
		Status:    common.StatusFilled,
		FilledQty: req.Quantity,
		AvgPrice:  req.RefPrice,
		Fee:       0.01,
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func testSnapshot(tradeCooldown time.Duration) settings.Snapshot {
	bot := settings.DefaultBot()
	coins := make(map[string]settings.StrategyConfig)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		c := bot.Defaults
		c.Symbol = sym
		c.TradeCooldown = tradeCooldown
		coins[sym] = c
	}
	return settings.Snapshot{Bot: bot, Coins: coins}
}

type harness struct {
	ex     *Executor
	gw     *fakeGateway
	ledger *state.Ledger
	clk    *clock.Fake
	db     *db.Database
	feed   <-chan events.Envelope
}

func newHarness(t *testing.T, snap settings.Snapshot, gw *fakeGateway) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	feed, unsub := bus.Subscribe(64, events.EventTradeExecuted, events.EventTradeFailed, events.EventSignalDropped)
	t.Cleanup(unsub)

	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ledger := state.NewLedger(database, nil, clk)
	norm := precision.New(map[string]precision.Rule{
		"BTCUSDT": precision.NewRule(0.00001, 9000, 0.00001, 5, 0),
		"ETHUSDT": precision.NewRule(0.0001, 9000, 0.0001, 5, 0),
	})
	ex := NewExecutor(Config{
		Gateway:    gw,
		Normalizer: norm,
		Ledger:     ledger,
		Limits:     risk.NewLimits(database, clk),
		Settings:   fixedSettings{snap},
		DB:         database,
		Bus:        bus,
		Clock:      clk,
		Timeout:    time.Second,
	})
	t.Cleanup(ex.Close)
	return &harness{ex: ex, gw: gw, ledger: ledger, clk: clk, db: database, feed: feed}
}

func (h *harness) await(t *testing.T, want events.Event) events.Envelope {
	t.Helper()
	select {
	case env := <-h.feed:
		if env.Event != want {
			t.Fatalf("got event %s (%+v), want %s", env.Event, env.Payload, want)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return events.Envelope{}
}

func buySignal(symbol string, price float64) strategy.Signal {
	return strategy.Signal{Symbol: symbol, StrategyID: "default", Kind: strategy.Buy, Price: price, Reason: strategy.ReasonCrossUp}
}

func sellSignal(symbol string, price float64, exit risk.ExitReason) strategy.Signal {
	reason := strategy.ReasonCrossDown
	if exit != risk.ExitSignal && exit != "" {
		reason = strategy.ReasonRiskExit
	}
	return strategy.Signal{Symbol: symbol, StrategyID: "default", Kind: strategy.Sell, Price: price, Reason: reason, ExitReason: string(exit)}
}

func TestSubmitDropsDuplicateWhilePending(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{block: make(chan struct{})}
	h := newHarness(t, testSnapshot(0), gw)

	if err := h.ex.Submit(buySignal("BTCUSDT", 50000)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := h.ex.Submit(buySignal("BTCUSDT", 50001)); !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("second Submit err = %v, want ErrDuplicateSignal", err)
	}
	h.await(t, events.EventSignalDropped)

	if got := h.ex.PendingSignals(); len(got) != 1 || got[0].Key != "default_BTCUSDT" {
		t.Fatalf("PendingSignals = %+v", got)
	}

	close(gw.block)
	h.await(t, events.EventTradeExecuted)
	if n := gw.callCount(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	if !h.ledger.Has("default_BTCUSDT") {
		t.Fatal("expected open position")
	}
	if got := h.ex.PendingSignals(); len(got) != 0 {
		t.Fatalf("pending not cleared: %+v", got)
	}
}

func TestOneOrderInFlightPerSymbol(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{delay: 20 * time.Millisecond}
	h := newHarness(t, testSnapshot(0), gw)

	if err := h.ex.Submit(buySignal("BTCUSDT", 50000)); err != nil {
		t.Fatalf("Submit buy: %v", err)
	}
	if err := h.ex.Submit(sellSignal("BTCUSDT", 50100, risk.ExitSignal)); err != nil {
		t.Fatalf("Submit sell: %v", err)
	}
	h.await(t, events.EventTradeExecuted)
	env := h.await(t, events.EventTradeExecuted)

	if gw.maxInFlight.Load() != 1 {
		t.Fatalf("max in flight = %d, want 1", gw.maxInFlight.Load())
	}
	tp := env.Payload.(events.TradePayload)
	if tp.Side != string(common.SideSell) || tp.PnL == nil {
		t.Fatalf("unexpected sell payload %+v", tp)
	}
	if h.ledger.Has("default_BTCUSDT") {
		t.Fatal("position should be closed")
	}
}

func TestTradeCooldownDropsSignal(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{}
	h := newHarness(t, testSnapshot(5*time.Minute), gw)

	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	h.await(t, events.EventTradeExecuted)

	_ = h.ex.Submit(sellSignal("BTCUSDT", 49000, risk.ExitSignal))
	env := h.await(t, events.EventSignalDropped)
	if dp := env.Payload.(events.DropPayload); !strings.Contains(dp.Reason, ErrTradeCooldown.Error()) {
		t.Fatalf("drop reason = %q", dp.Reason)
	}
	if gw.callCount() != 1 {
		t.Fatalf("cooldown must not reach the gateway, calls = %d", gw.callCount())
	}

	h.clk.Advance(5 * time.Minute)
	_ = h.ex.Submit(sellSignal("BTCUSDT", 49000, risk.ExitSignal))
	h.await(t, events.EventTradeExecuted)
	if h.ledger.Has("default_BTCUSDT") {
		t.Fatal("position should be closed after cooldown")
	}
}

func TestFailedOrderDoesNotConsumeCooldown(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{err: errors.New("insufficient balance")}
	h := newHarness(t, testSnapshot(5*time.Minute), gw)
	ctx := context.Background()

	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	env := h.await(t, events.EventTradeFailed)
	tp := env.Payload.(events.TradePayload)

	row, err := h.db.GetTrade(ctx, tp.TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if row.Status != db.TradeFailed || !strings.Contains(row.Reason, "insufficient balance") {
		t.Fatalf("unexpected trade row %+v", row)
	}
	if _, ok := h.ex.LastTradeTime("BTCUSDT"); ok {
		t.Fatal("failed order must not stamp the trade cooldown")
	}
	if h.ledger.Has("default_BTCUSDT") {
		t.Fatal("failed order must not open a position")
	}

	gw.setErr(nil)
	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	env = h.await(t, events.EventTradeExecuted)
	row, err = h.db.GetTrade(ctx, env.Payload.(events.TradePayload).TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if row.Status != db.TradeExecuted || row.ExchangeOrderID == "" {
		t.Fatalf("unexpected executed row %+v", row)
	}
}

func TestConcurrencyLimitBlocksBuysOnly(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	snap := testSnapshot(0)
	snap.Bot.MaxConcurrentTrades = 1
	gw := &fakeGateway{}
	h := newHarness(t, snap, gw)

	if _, err := h.ledger.Open(context.Background(), "default_ETHUSDT", "ETHUSDT", "default", state.Fill{Price: 3000, Qty: 0.01}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	env := h.await(t, events.EventSignalDropped)
	if dp := env.Payload.(events.DropPayload); !strings.Contains(dp.Reason, ErrConcurrencyLimit.Error()) {
		t.Fatalf("drop reason = %q", dp.Reason)
	}

	_ = h.ex.Submit(sellSignal("ETHUSDT", 3100, risk.ExitSignal))
	h.await(t, events.EventTradeExecuted)
	if h.ledger.Count() != 0 {
		t.Fatalf("ledger count = %d", h.ledger.Count())
	}
}

func TestConcurrencyLimitCountsInFlightBuys(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	snap := testSnapshot(0)
	snap.Bot.MaxConcurrentTrades = 1
	gw := &fakeGateway{delay: 50 * time.Millisecond}
	h := newHarness(t, snap, gw)

	if err := h.ex.Submit(buySignal("BTCUSDT", 50000)); err != nil {
		t.Fatalf("Submit BTCUSDT: %v", err)
	}
	if err := h.ex.Submit(buySignal("ETHUSDT", 3000)); err != nil {
		t.Fatalf("Submit ETHUSDT: %v", err)
	}

	got := map[events.Event]int{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-h.feed:
			got[env.Event]++
			if env.Event == events.EventSignalDropped {
				if dp := env.Payload.(events.DropPayload); !strings.Contains(dp.Reason, ErrConcurrencyLimit.Error()) {
					t.Fatalf("drop reason = %q", dp.Reason)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, events so far %v", got)
		}
	}
	if got[events.EventTradeExecuted] != 1 || got[events.EventSignalDropped] != 1 {
		t.Fatalf("events = %v, want one executed and one dropped", got)
	}
	if h.ledger.Count() != 1 || gw.callCount() != 1 {
		t.Fatalf("open positions = %d, gateway calls = %d", h.ledger.Count(), gw.callCount())
	}
}

func TestOrderTimeoutFailsWithoutBlockingSymbol(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{}
	gw.hang.Store(true)
	h := newHarness(t, testSnapshot(5*time.Minute), gw)
	h.ex.timeout = 20 * time.Millisecond

	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	env := h.await(t, events.EventTradeFailed)
	row, err := h.db.GetTrade(context.Background(), env.Payload.(events.TradePayload).TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if row.Status != db.TradeFailed || !strings.Contains(row.Reason, context.DeadlineExceeded.Error()) {
		t.Fatalf("unexpected trade row %+v", row)
	}
	if _, ok := h.ex.LastTradeTime("BTCUSDT"); ok {
		t.Fatal("timed out order must not stamp the trade cooldown")
	}
	deadline := time.Now().Add(time.Second)
	for len(h.ex.PendingSignals()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending record not cleared after timeout")
		}
		time.Sleep(time.Millisecond)
	}

	gw.hang.Store(false)
	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	h.await(t, events.EventTradeExecuted)
	if !h.ledger.Has("default_BTCUSDT") {
		t.Fatal("next intent on the symbol should open a position")
	}
}

func TestKillSwitchAllowsRiskExitsOnly(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	snap := testSnapshot(0)
	snap.Bot.TradingEnabled = false
	gw := &fakeGateway{}
	h := newHarness(t, snap, gw)

	if _, err := h.ledger.Open(context.Background(), "default_BTCUSDT", "BTCUSDT", "default", state.Fill{Price: 50000, Qty: 0.001}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := h.ex.Submit(buySignal("ETHUSDT", 3000)); !errors.Is(err, ErrTradingDisabled) {
		t.Fatalf("buy err = %v, want ErrTradingDisabled", err)
	}
	h.await(t, events.EventSignalDropped)
	if err := h.ex.Submit(sellSignal("BTCUSDT", 49000, risk.ExitSignal)); !errors.Is(err, ErrTradingDisabled) {
		t.Fatalf("model sell err = %v, want ErrTradingDisabled", err)
	}
	h.await(t, events.EventSignalDropped)

	if err := h.ex.Submit(sellSignal("BTCUSDT", 49000, risk.ExitStopLoss)); err != nil {
		t.Fatalf("stop-loss sell rejected: %v", err)
	}
	h.await(t, events.EventTradeExecuted)
	if gw.callCount() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.callCount())
	}
}

func TestBuySizingRespectsLotRules(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := &fakeGateway{}
	h := newHarness(t, testSnapshot(0), gw)

	_ = h.ex.Submit(buySignal("BTCUSDT", 50000))
	h.await(t, events.EventTradeExecuted)

	gw.mu.Lock()
	req := gw.calls[0]
	gw.mu.Unlock()
	// 20 USDT default size at 50000 -> 0.0004 BTC.
	if req.QuantityText != "0.00040" || req.Side != common.SideBuy {
		t.Fatalf("unexpected request %+v", req)
	}
	pos, _ := h.ledger.Position("default_BTCUSDT")
	if pos.Qty != 0.0004 || pos.EntryPrice != 50000 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestSubmitRejectsHoldAndClosed(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	h := newHarness(t, testSnapshot(0), &fakeGateway{})

	hold := strategy.Signal{Symbol: "BTCUSDT", Kind: strategy.Hold, Price: 1}
	if err := h.ex.Submit(hold); !errors.Is(err, ErrNotActionable) {
		t.Fatalf("hold err = %v", err)
	}
	h.ex.Close()
	if err := h.ex.Submit(buySignal("BTCUSDT", 50000)); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed err = %v", err)
	}
}

func TestDryRunGatewayFillsAtCachedPrice(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	prices := cache.NewPriceCache()
	prices.Set("BTCUSDT", 60000, time.Now())
	gw := NewDryRunGateway(prices, DryRunConfig{FeeRate: 0.001})

	res, err := gw.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 0.5, RefPrice: 59000,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if res.Status != common.StatusFilled || res.AvgPrice != 60000 || res.FilledQty != 0.5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if math.Abs(res.Fee-30) > 1e-9 {
		t.Fatalf("fee = %v, want 30", res.Fee)
	}
	if !strings.HasPrefix(res.OrderID, "dry-") {
		t.Fatalf("order id = %q", res.OrderID)
	}
}

func TestDryRunGatewayHonorsContext(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	gw := NewDryRunGateway(nil, DryRunConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gw.PlaceMarketOrder(ctx, common.MarketOrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Quantity: 1, RefPrice: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
