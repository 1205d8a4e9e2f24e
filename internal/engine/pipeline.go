package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/internal/order"
	"spot-core/internal/risk"
	"spot-core/internal/settings"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/pkg/logger"
)

// Submitter accepts actionable signals for execution.
type Submitter interface {
	Submit(sig strategy.Signal) error
}

// SettingsSource supplies the current settings snapshot.
type SettingsSource interface {
	Current() settings.Snapshot
}

// Pipeline is the per-tick handler run on each symbol's actor: risk exits on
// open positions first, then the moving-average signal.
type Pipeline struct {
	settings SettingsSource
	signals  *strategy.Engine
	ledger   *state.Ledger
	exec     Submitter
	bus      *events.Bus
	log      *zap.Logger

	exits     atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func NewPipeline(src SettingsSource, signals *strategy.Engine, ledger *state.Ledger, exec Submitter, bus *events.Bus) *Pipeline {
	return &Pipeline{
		settings: src,
		signals:  signals,
		ledger:   ledger,
		exec:     exec,
		bus:      bus,
		log:      logger.Named("pipeline"),
	}
}

// OnTick matches market.TickHandler.
func (p *Pipeline) OnTick(symbol string, price float64, ts time.Time, history []float64) {
	snap := p.settings.Current()

	// Risk management runs for every held symbol, active or not.
	params := func(pos state.Position) risk.Params {
		cfg, _ := snap.For(pos.Symbol)
		return risk.ParamsFrom(cfg)
	}
	for _, ex := range p.ledger.OnTick(symbol, price, params) {
		p.exits.Add(1)
		p.log.Info("pipeline: exit triggered",
			zap.String("key", ex.Key),
			zap.String("reason", string(ex.Reason)),
			zap.Float64("price", ex.Price),
			zap.Float64("pnl_pct", ex.PnLPercent))
		p.submit(strategy.Signal{
			Symbol:     ex.Symbol,
			StrategyID: ex.StrategyID,
			Kind:       strategy.Sell,
			Price:      ex.Price,
			Reason:     strategy.ReasonRiskExit,
			ExitReason: string(ex.Reason),
			Timestamp:  ts,
		})
	}

	cfg, _ := snap.For(symbol)
	sig := p.signals.Decide(symbol, history, cfg, p.ledger.Has(cfg.PositionKey()))
	if !sig.Actionable() {
		return
	}
	if sig.Kind == strategy.Sell && sig.ExitReason == "" {
		sig.ExitReason = string(risk.ExitSignal)
	}
	p.submit(sig)
}

func (p *Pipeline) submit(sig strategy.Signal) {
	if p.bus != nil {
		p.bus.Publish(events.EventSignal, events.SignalPayload{
			Symbol:     sig.Symbol,
			StrategyID: sig.StrategyID,
			Kind:       string(sig.Kind),
			Price:      sig.Price,
			Reason:     sig.Reason,
			ExitReason: sig.ExitReason,
			Time:       sig.Timestamp,
		})
	}
	err := p.exec.Submit(sig)
	if err == nil {
		p.submitted.Add(1)
		return
	}
	p.rejected.Add(1)
	// A pending intent for the same key is the normal case while an exit or
	// entry is in flight.
	if errors.Is(err, order.ErrDuplicateSignal) || errors.Is(err, order.ErrTradingDisabled) {
		p.log.Debug("pipeline: signal not submitted", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	p.log.Warn("pipeline: submit failed", zap.String("symbol", sig.Symbol), zap.String("kind", string(sig.Kind)), zap.Error(err))
}

// Stats returns exits triggered, signals submitted and signals rejected.
func (p *Pipeline) Stats() (exits, submitted, rejected uint64) {
	return p.exits.Load(), p.submitted.Load(), p.rejected.Load()
}
