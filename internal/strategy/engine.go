package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/settings"
	"spot-core/pkg/clock"
	"spot-core/pkg/logger"
)

// defaultLogEvery controls how often HOLDs and ticks are sampled into the debug log.
const defaultLogEvery = 100

// Engine turns price history into accepted signals, enforcing the
// duplicate-entry rule and a per-symbol signal cooldown.
type Engine struct {
	clock    clock.Clock
	log      *zap.Logger
	logEvery uint64

	mu         sync.Mutex
	lastSignal map[string]time.Time

	ticks    atomic.Uint64
	holds    atomic.Uint64
	accepted atomic.Uint64
}

// NewEngine creates a signal engine reading time from clk.
func NewEngine(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		clock:      clk,
		log:        logger.Named("signal"),
		logEvery:   defaultLogEvery,
		lastSignal: make(map[string]time.Time),
	}
}

// Decide evaluates history for symbol and applies, in order: the active flag,
// the duplicate-entry rule and the signal cooldown. An accepted BUY/SELL
// stamps lastSignalTime immediately.
func (e *Engine) Decide(symbol string, history []float64, cfg settings.StrategyConfig, hasPosition bool) Signal {
	n := e.ticks.Add(1)
	now := e.clock.Now()

	sig := Evaluate(history, cfg)
	sig.Symbol = symbol
	sig.StrategyID = cfg.StrategyID
	sig.Timestamp = now

	if n%e.logEvery == 0 {
		e.log.Debug("signal: tick sample",
			zap.String("symbol", symbol),
			zap.Int("history", len(history)),
			zap.Float64("price", sig.Price),
			zap.Uint64("ticks", n))
	}

	if !cfg.Active {
		return e.hold(sig, ReasonInactive)
	}
	if !sig.Actionable() {
		return e.hold(sig, sig.Reason)
	}

	if sig.Kind == Buy && hasPosition {
		return e.hold(sig, ReasonPositionExists)
	}
	if sig.Kind == Sell && !hasPosition {
		return e.hold(sig, ReasonNoPosition)
	}

	e.mu.Lock()
	last, seen := e.lastSignal[symbol]
	if seen && now.Sub(last) < cfg.SignalCooldown {
		e.mu.Unlock()
		return e.hold(sig, ReasonSignalCooldown)
	}
	e.lastSignal[symbol] = now
	e.mu.Unlock()

	e.accepted.Add(1)
	e.log.Info("signal: accepted",
		zap.String("symbol", symbol),
		zap.String("kind", string(sig.Kind)),
		zap.String("reason", sig.Reason),
		zap.Float64("price", sig.Price),
		zap.Float64("diff_pct", sig.DiffPct))
	return sig
}

func (e *Engine) hold(sig Signal, reason string) Signal {
	sig.Kind = Hold
	sig.Reason = reason
	if h := e.holds.Add(1); h%e.logEvery == 0 {
		e.log.Debug("signal: hold sample",
			zap.String("symbol", sig.Symbol),
			zap.String("reason", reason),
			zap.Uint64("holds", h))
	}
	return sig
}

// LastSignalTime reports when symbol last had a signal accepted.
func (e *Engine) LastSignalTime(symbol string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastSignal[symbol]
	return t, ok
}

// Forget drops cooldown state for a symbol that is no longer traded.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	delete(e.lastSignal, symbol)
	e.mu.Unlock()
}

// Stats returns tick, hold and accepted counters.
func (e *Engine) Stats() (ticks, holds, accepted uint64) {
	return e.ticks.Load(), e.holds.Load(), e.accepted.Load()
}
