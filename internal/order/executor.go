package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/internal/precision"
	"spot-core/internal/risk"
	"spot-core/internal/settings"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/pkg/clock"
	"spot-core/pkg/db"
	"spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
)

// SettingsSource supplies the current settings snapshot.
type SettingsSource interface {
	Current() settings.Snapshot
}

// Config wires the executor's collaborators. DB, Bus and Limits are optional.
type Config struct {
	Gateway    common.Gateway
	Normalizer *precision.Normalizer
	Ledger     *state.Ledger
	Limits     *risk.Limits
	Settings   SettingsSource
	DB         *db.Database
	Bus        *events.Bus
	Clock      clock.Clock
	Timeout    time.Duration // per order; default 10s
	QueueSize  int           // per symbol; default 16
}

// Executor turns accepted signals into at most one exchange order each.
// Every symbol has its own FIFO queue and a single worker, so orders for one
// symbol never overlap while different symbols run in parallel.
type Executor struct {
	gw      common.Gateway
	norm    *precision.Normalizer
	ledger  *state.Ledger
	limits  *risk.Limits
	cfg     SettingsSource
	db      *db.Database
	bus     *events.Bus
	clock   clock.Clock
	timeout time.Duration
	qsize   int
	log     *zap.Logger

	mu          sync.Mutex
	pendingBuy  map[string]PendingSignal
	pendingSell map[string]PendingSignal
	lastTrade   map[string]time.Time
	entries     int // BUYs past sizing whose fill has not reached the ledger
	queues      map[string]*symbolQueue
	closed      bool
	wg          sync.WaitGroup
}

// NewExecutor builds an executor from cfg.
func NewExecutor(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Executor{
		gw:          cfg.Gateway,
		norm:        cfg.Normalizer,
		ledger:      cfg.Ledger,
		limits:      cfg.Limits,
		cfg:         cfg.Settings,
		db:          cfg.DB,
		bus:         cfg.Bus,
		clock:       cfg.Clock,
		timeout:     cfg.Timeout,
		qsize:       cfg.QueueSize,
		log:         logger.Named("executor"),
		pendingBuy:  make(map[string]PendingSignal),
		pendingSell: make(map[string]PendingSignal),
		lastTrade:   make(map[string]time.Time),
		queues:      make(map[string]*symbolQueue),
	}
}

// Submit accepts a BUY/SELL signal for execution. It is safe to call from any
// goroutine; the pending-record check and insert happen under one lock, so a
// second signal for the same key and side is rejected until the first resolves.
func (e *Executor) Submit(sig strategy.Signal) error {
	if !sig.Actionable() {
		return ErrNotActionable
	}
	snap := e.cfg.Current()
	cfg, _ := snap.For(sig.Symbol)
	strategyID := sig.StrategyID
	if strategyID == "" {
		strategyID = cfg.StrategyID
	}

	it := Intent{
		Key:        settings.PositionKey(strategyID, sig.Symbol),
		Symbol:     sig.Symbol,
		StrategyID: strategyID,
		Side:       sideOf(sig.Kind),
		Price:      sig.Price,
		Reason:     sig.Reason,
		ExitReason: sig.ExitReason,
		AcceptedAt: e.clock.Now(),
	}

	if !snap.Bot.TradingEnabled && !isRiskExit(it.ExitReason) {
		e.publishDrop(it, ErrTradingDisabled)
		return ErrTradingDisabled
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	pending := e.pendingBuy
	if it.Side == common.SideSell {
		pending = e.pendingSell
	}
	if _, dup := pending[it.Key]; dup {
		e.mu.Unlock()
		e.log.Warn("executor: duplicate signal dropped",
			zap.String("key", it.Key), zap.String("side", string(it.Side)), zap.String("reason", it.Reason))
		e.publishDrop(it, ErrDuplicateSignal)
		return fmt.Errorf("%s %s: %w", it.Side, it.Key, ErrDuplicateSignal)
	}
	pending[it.Key] = PendingSignal{
		Key:        it.Key,
		Symbol:     it.Symbol,
		Side:       it.Side,
		Reason:     it.Reason,
		ExitReason: it.ExitReason,
		Timestamp:  it.AcceptedAt,
	}

	q, ok := e.queues[it.Symbol]
	if !ok {
		q = newSymbolQueue(e.qsize)
		e.queues[it.Symbol] = q
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			q.drain(e.process)
		}()
	}
	if !q.offer(it) {
		delete(pending, it.Key)
		e.mu.Unlock()
		e.publishDrop(it, ErrQueueFull)
		return fmt.Errorf("%s: %w", it.Symbol, ErrQueueFull)
	}
	e.mu.Unlock()
	return nil
}

// process runs one intent to completion on its symbol's worker.
func (e *Executor) process(it Intent) {
	defer e.clearPending(it)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing %s %s: %v", it.Side, it.Symbol, r)
			e.log.Error("executor: recovered", zap.Error(err))
			e.publishError(it.Symbol, err)
		}
	}()

	snap := e.cfg.Current()
	cfg, _ := snap.For(it.Symbol)

	if err := e.checkCooldown(it, cfg); err != nil {
		e.drop(it, err)
		return
	}

	qty, err := e.size(it, cfg)
	if err != nil {
		e.drop(it, err)
		return
	}

	if it.Side == common.SideBuy {
		if err := e.reserveEntry(snap.Bot.MaxConcurrentTrades); err != nil {
			e.drop(it, err)
			return
		}
		defer e.releaseEntry()
	}

	e.execute(it, qty)
}

// reserveEntry claims a concurrency slot for a BUY. Open positions and BUYs
// still in flight on other symbols both count against max.
func (e *Executor) reserveEntry(max int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if max > 0 {
		if used := e.ledger.Count() + e.entries; used >= max {
			return fmt.Errorf("%d open or in flight: %w", used, ErrConcurrencyLimit)
		}
	}
	e.entries++
	return nil
}

func (e *Executor) releaseEntry() {
	e.mu.Lock()
	e.entries--
	e.mu.Unlock()
}

func (e *Executor) checkCooldown(it Intent, cfg settings.StrategyConfig) error {
	e.mu.Lock()
	last, ok := e.lastTrade[it.Symbol]
	e.mu.Unlock()
	if ok {
		if since := e.clock.Now().Sub(last); since < cfg.TradeCooldown {
			return fmt.Errorf("%s last trade %v ago: %w", it.Symbol, since.Truncate(time.Millisecond), ErrTradeCooldown)
		}
	}
	return nil
}

// size applies the entry guards and returns an exchange-compliant quantity.
func (e *Executor) size(it Intent, cfg settings.StrategyConfig) (float64, error) {
	if it.Price <= 0 {
		return 0, fmt.Errorf("%s: %w", it.Symbol, precision.ErrInvalidPrice)
	}

	if it.Side == common.SideSell {
		pos, ok := e.ledger.Position(it.Key)
		if !ok {
			return 0, fmt.Errorf("sell %s: %w", it.Key, state.ErrNoPosition)
		}
		qty, err := e.norm.NormalizeQuantity(it.Symbol, pos.Qty)
		if err != nil {
			return 0, err
		}
		checked, err := e.norm.NormalizeNotional(it.Symbol, it.Price, qty, 0)
		if err != nil {
			return 0, err
		}
		if checked != qty {
			return 0, fmt.Errorf("sell %s qty %v: %w", it.Key, qty, precision.ErrNotionalTooSmall)
		}
		return qty, nil
	}

	if e.ledger.Has(it.Key) {
		return 0, fmt.Errorf("buy %s: %w", it.Key, state.ErrPositionExists)
	}
	if e.limits != nil {
		if err := e.limits.AllowEntry(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDailyLimit, err)
		}
	}

	quote := cfg.DefaultTradeSize
	if cfg.MinTradeSize > 0 && quote < cfg.MinTradeSize {
		quote = cfg.MinTradeSize
	}
	if cfg.MaxTradeSize > 0 && quote > cfg.MaxTradeSize {
		quote = cfg.MaxTradeSize
	}
	qty, err := e.norm.NormalizeQuantity(it.Symbol, quote/it.Price)
	if err != nil {
		return 0, err
	}
	return e.norm.NormalizeNotional(it.Symbol, it.Price, qty, cfg.MaxTradeSize)
}

// execute records the pending trade, places the order and applies the outcome.
func (e *Executor) execute(it Intent, qty float64) {
	tradeID := uuid.NewString()
	start := e.clock.Now()
	ctx := context.Background()

	if e.db != nil {
		err := e.db.CreateTrade(ctx, db.Trade{
			ID:         tradeID,
			Symbol:     it.Symbol,
			StrategyID: it.StrategyID,
			Side:       string(it.Side),
			Price:      it.Price,
			Qty:        qty,
			Total:      it.Price * qty,
			Status:     db.TradePending,
			Reason:     it.Reason,
			ExitReason: it.ExitReason,
			CreatedAt:  start,
		})
		if err != nil {
			e.log.Error("executor: persist pending trade failed", zap.String("trade_id", tradeID), zap.Error(err))
		}
	}

	orderCtx, cancel := context.WithTimeout(ctx, e.timeout)
	res, err := e.gw.PlaceMarketOrder(orderCtx, common.MarketOrderRequest{
		Symbol:       it.Symbol,
		Side:         it.Side,
		Quantity:     qty,
		QuantityText: e.norm.FormatQuantity(it.Symbol, qty),
		ClientID:     tradeID,
		RefPrice:     it.Price,
	})
	cancel()
	latency := e.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("order timed out after %v: %w", e.timeout, err)
		}
		e.fail(it, tradeID, qty, latency, err)
		return
	}

	price := res.AvgPrice
	if price <= 0 {
		price = it.Price
	}
	filled := res.FilledQty
	if filled <= 0 {
		filled = qty
	}
	fill := state.Fill{OrderID: res.OrderID, Price: price, Qty: filled, Fee: res.Fee, Time: e.clock.Now()}

	var pnl *float64
	switch it.Side {
	case common.SideBuy:
		pos, err := e.ledger.Open(ctx, it.Key, it.Symbol, it.StrategyID, fill)
		if err != nil {
			e.log.Warn("executor: fill could not open position", zap.String("key", it.Key), zap.Error(err))
			e.publishError(it.Symbol, err)
		} else {
			e.publishOpened(pos)
		}
	case common.SideSell:
		closed, err := e.ledger.Close(ctx, it.Key, fill)
		if err != nil {
			e.log.Warn("executor: fill could not close position", zap.String("key", it.Key), zap.Error(err))
			e.publishError(it.Symbol, err)
		} else {
			v := closed.RealizedPnL
			pnl = &v
			e.publishClosed(closed, it.ExitReason)
		}
	}

	e.mu.Lock()
	e.lastTrade[it.Symbol] = e.clock.Now()
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.ResolveTrade(ctx, db.TradeResolution{
			ID:              tradeID,
			Status:          db.TradeExecuted,
			Price:           price,
			Qty:             filled,
			Fee:             res.Fee,
			PnL:             pnl,
			Reason:          it.Reason,
			ExchangeOrderID: res.OrderID,
			ExecutedAt:      fill.Time,
		}); err != nil {
			e.log.Error("executor: resolve trade failed", zap.String("trade_id", tradeID), zap.Error(err))
		}
	}
	if e.limits != nil {
		tr := risk.TradeResult{Symbol: it.Symbol, Side: string(it.Side), Qty: filled, Price: price, Fee: res.Fee}
		if pnl != nil {
			tr.PnL = *pnl
			tr.Closed = true
		}
		if err := e.limits.Record(ctx, tr); err != nil {
			e.log.Warn("executor: persist risk metrics failed", zap.Error(err))
		}
	}

	e.log.Info("executor: order filled",
		zap.String("symbol", it.Symbol),
		zap.String("side", string(it.Side)),
		zap.Float64("qty", filled),
		zap.Float64("price", price),
		zap.String("order_id", res.OrderID),
		zap.Duration("latency", latency))

	e.publishTrade(events.EventTradeExecuted, events.TradePayload{
		TradeID:    tradeID,
		Symbol:     it.Symbol,
		StrategyID: it.StrategyID,
		Side:       string(it.Side),
		Price:      price,
		Qty:        filled,
		Fee:        res.Fee,
		PnL:        pnl,
		Status:     db.TradeExecuted,
		Reason:     it.Reason,
		Latency:    latencyMs(latency),
		Time:       fill.Time,
	})
}

// fail marks the trade failed. The cooldown is not consumed and the intent is
// not retried.
func (e *Executor) fail(it Intent, tradeID string, qty float64, latency time.Duration, err error) {
	e.log.Warn("executor: order failed",
		zap.String("symbol", it.Symbol),
		zap.String("side", string(it.Side)),
		zap.Float64("qty", qty),
		zap.Duration("latency", latency),
		zap.Error(err))

	if e.db != nil {
		if rerr := e.db.ResolveTrade(context.Background(), db.TradeResolution{
			ID:     tradeID,
			Status: db.TradeFailed,
			Reason: err.Error(),
		}); rerr != nil {
			e.log.Error("executor: resolve failed trade", zap.String("trade_id", tradeID), zap.Error(rerr))
		}
	}
	e.publishTrade(events.EventTradeFailed, events.TradePayload{
		TradeID:    tradeID,
		Symbol:     it.Symbol,
		StrategyID: it.StrategyID,
		Side:       string(it.Side),
		Price:      it.Price,
		Qty:        qty,
		Status:     db.TradeFailed,
		Reason:     err.Error(),
		Latency:    latencyMs(latency),
		Time:       e.clock.Now(),
	})
	e.publishError(it.Symbol, err)
}

// drop discards an intent before any exchange call.
func (e *Executor) drop(it Intent, err error) {
	switch {
	case errors.Is(err, precision.ErrInsufficientQuantity),
		errors.Is(err, precision.ErrNotionalTooSmall),
		errors.Is(err, precision.ErrNotionalTooLarge):
		e.log.Info("executor: order not compliant, dropped", zap.String("key", it.Key), zap.Error(err))
	case errors.Is(err, state.ErrPositionExists), errors.Is(err, state.ErrNoPosition):
		e.log.Warn("executor: ledger conflict, dropped", zap.String("key", it.Key), zap.Error(err))
	default:
		e.log.Info("executor: signal dropped", zap.String("key", it.Key), zap.String("side", string(it.Side)), zap.Error(err))
	}
	e.publishDrop(it, err)
}

func (e *Executor) clearPending(it Intent) {
	e.mu.Lock()
	if it.Side == common.SideSell {
		delete(e.pendingSell, it.Key)
	} else {
		delete(e.pendingBuy, it.Key)
	}
	e.mu.Unlock()
}

// PendingSignals returns a snapshot of queued and in-flight intents.
func (e *Executor) PendingSignals() []PendingSignal {
	e.mu.Lock()
	out := make([]PendingSignal, 0, len(e.pendingBuy)+len(e.pendingSell))
	for _, p := range e.pendingBuy {
		out = append(out, p)
	}
	for _, p := range e.pendingSell {
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key == out[j].Key {
			return out[i].Side < out[j].Side
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// LastTradeTime reports when symbol last had an order filled.
func (e *Executor) LastTradeTime(symbol string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastTrade[symbol]
	return t, ok
}

// Close stops accepting signals and waits for queued intents to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		q.close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
