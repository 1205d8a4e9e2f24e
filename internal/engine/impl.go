package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot-core/internal/market"
	"spot-core/internal/order"
	"spot-core/internal/risk"
	"spot-core/internal/settings"
	"spot-core/internal/state"
	"spot-core/pkg/cache"
	"spot-core/pkg/db"
)

// Impl implements the Service interface by composing existing modules. Any
// collaborator may be nil; the matching query then returns empty data.
type Impl struct {
	ledger   *state.Ledger
	executor *order.Executor
	limits   *risk.Limits
	reloader *settings.Reloader
	streams  *market.Manager
	prices   *cache.PriceCache
	db       *db.Database

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Ledger   *state.Ledger
	Executor *order.Executor
	Limits   *risk.Limits
	Reloader *settings.Reloader
	Streams  *market.Manager
	Prices   *cache.PriceCache
	DB       *db.Database
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		ledger:   cfg.Ledger,
		executor: cfg.Executor,
		limits:   cfg.Limits,
		reloader: cfg.Reloader,
		streams:  cfg.Streams,
		prices:   cfg.Prices,
		db:       cfg.DB,
		meta:     cfg.Meta,
	}
}

// --- Positions & signals ---

func (e *Impl) GetPositions(ctx context.Context) ([]Position, error) {
	if e.ledger == nil {
		return nil, nil
	}
	snap := e.GetSettings(ctx)
	open := e.ledger.Positions()
	out := make([]Position, len(open))
	for i, p := range open {
		price := p.LastPrice
		if e.prices != nil {
			if cached, ok := e.prices.Get(p.Symbol); ok {
				price = cached
			}
		}
		v := Position{
			Key:          p.Key,
			StrategyID:   p.StrategyID,
			Symbol:       p.Symbol,
			Quantity:     p.Qty,
			EntryPrice:   p.EntryPrice,
			HighestPrice: p.HighestPrice,
			CurrentPrice: price,
			OpenedAt:     p.OpenedAt,
		}
		if price > 0 {
			v.UnrealizedPnL = (price - p.EntryPrice) * p.Qty
			v.UnrealizedPnLPercent = risk.PnLPercent(p.EntryPrice, price)
		}
		cfg, _ := snap.For(p.Symbol)
		params := risk.ParamsFrom(cfg)
		if risk.TrailingActive(p.EntryPrice, p.HighestPrice, params) {
			v.TrailingStopPrice = risk.TrailingStopPrice(p.HighestPrice, params.StopLossPercent)
		}
		out[i] = v
	}
	return out, nil
}

func (e *Impl) GetPendingSignals(ctx context.Context) []order.PendingSignal {
	if e.executor == nil {
		return nil
	}
	return e.executor.PendingSignals()
}

// --- Trade history ---

func (e *Impl) GetRecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if e.db == nil {
		return nil, errors.New("trade history not available")
	}
	rows, err := e.db.ListTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	trades := make([]Trade, len(rows))
	for i, t := range rows {
		trades[i] = Trade{
			ID:              t.ID,
			Symbol:          t.Symbol,
			StrategyID:      t.StrategyID,
			Side:            t.Side,
			Price:           t.Price,
			Qty:             t.Qty,
			Total:           t.Total,
			Fee:             t.Fee,
			PnL:             t.PnL,
			Status:          t.Status,
			Reason:          t.Reason,
			ExitReason:      t.ExitReason,
			ExchangeOrderID: t.ExchangeOrderID,
			CreatedAt:       t.CreatedAt,
			ExecutedAt:      t.ExecutedAt,
		}
	}
	return trades, nil
}

// --- Risk & Performance ---

func (e *Impl) GetRiskMetrics(ctx context.Context) (*RiskMetrics, error) {
	if e.limits == nil {
		return nil, errors.New("risk limits not available")
	}
	m := e.limits.Metrics()
	bot := e.GetSettings(ctx).Bot
	return &RiskMetrics{
		Date:           m.Date,
		DailyPnL:       m.DailyPnL,
		DailyTrades:    m.DailyTrades,
		DailyLosses:    m.DailyLosses,
		MaxDailyLoss:   bot.MaxDailyLoss,
		MaxDailyTrades: bot.MaxDailyTrades,
		EntriesBlocked: e.limits.AllowEntry() != nil,
	}, nil
}

// GetPerformance sums realized PnL of executed sells per UTC day in [from, to).
func (e *Impl) GetPerformance(ctx context.Context, from, to time.Time) (*Performance, error) {
	if e.db == nil {
		return nil, errors.New("trade history not available")
	}
	rows, err := e.db.DB.QueryContext(ctx, `
		SELECT
			date(executed_at / 1000, 'unixepoch') AS d,
			SUM(pnl) AS pnl,
			COUNT(*) AS n
		FROM trades
		WHERE status = ? AND pnl IS NOT NULL
		  AND executed_at >= ? AND executed_at < ?
		GROUP BY d
		ORDER BY d ASC
	`, db.TradeExecuted, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query performance: %w", err)
	}
	defer rows.Close()

	perf := &Performance{
		From:  from.UTC().Format("2006-01-02"),
		To:    to.UTC().Add(-24 * time.Hour).Format("2006-01-02"),
		Daily: []DailyPnL{},
	}

	var equity float64
	for rows.Next() {
		var d DailyPnL
		if err := rows.Scan(&d.Date, &d.PnL, &d.Trades); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		equity += d.PnL
		d.Equity = equity
		perf.Daily = append(perf.Daily, d)
	}
	perf.TotalPnL = equity
	return perf, rows.Err()
}

// --- Settings ---

func (e *Impl) GetSettings(ctx context.Context) settings.Snapshot {
	if e.reloader == nil {
		return settings.Snapshot{Bot: settings.DefaultBot()}
	}
	return e.reloader.Current()
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now().UTC()

	if e.reloader != nil {
		snap := e.reloader.Current()
		status.TradingEnabled = snap.Bot.TradingEnabled
		status.SettingsLoadedAt = snap.FetchedAt
		status.SettingsFailures = e.reloader.Failures()
	}
	if e.streams != nil {
		status.Symbols = e.streams.Symbols()
		status.Streams = make(map[string]bool, len(status.Symbols))
		for _, s := range status.Symbols {
			status.Streams[s] = e.streams.Connected(s)
		}
		status.TicksProcessed, status.TicksDropped = e.streams.Stats()
	}
	if e.ledger != nil {
		status.OpenPositions = e.ledger.Count()
	}
	if e.executor != nil {
		status.PendingSignals = len(e.executor.PendingSignals())
	}
	return &status
}
