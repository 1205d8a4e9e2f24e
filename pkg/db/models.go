package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Trade statuses.
const (
	TradePending  = "pending"
	TradeExecuted = "executed"
	TradeFailed   = "failed"
)

// Trade is an append-only trade history row. Only status and execution
// fields change after insert.
type Trade struct {
	ID              string
	Symbol          string
	StrategyID      string
	Side            string
	Price           float64
	Qty             float64
	Total           float64
	Fee             float64
	PnL             *float64
	Status          string
	Reason          string
	ExitReason      string
	ExchangeOrderID string
	CreatedAt       time.Time
	ExecutedAt      *time.Time
}

// TradeResolution finalizes a pending trade.
type TradeResolution struct {
	ID              string
	Status          string
	Price           float64
	Qty             float64
	Fee             float64
	PnL             *float64
	Reason          string
	ExchangeOrderID string
	ExecutedAt      time.Time
}

// OpenPosition is the persisted snapshot of a ledger position.
type OpenPosition struct {
	Key          string
	Symbol       string
	StrategyID   string
	Qty          float64
	EntryPrice   float64
	HighestPrice float64
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// CoinSetting holds per-symbol overrides; nil fields inherit bot defaults.
type CoinSetting struct {
	Symbol             string
	StrategyID         string
	Active             bool
	MAShort            *int64
	MALong             *int64
	SignalThreshold    *float64
	SignalCooldownMs   *int64
	TradeCooldownMs    *int64
	TradeSize          *float64
	MinTradeSize       *float64
	MaxTradeSize       *float64
	StopLossPercent    *float64
	TakeProfitPercent  *float64
	UseTrailingStop    *bool
	TrailingActivation *float64
}

// LotSize mirrors the exchange LOT_SIZE / NOTIONAL filters for a symbol.
type LotSize struct {
	Symbol      string
	MinQty      float64
	MaxQty      float64
	StepSize    float64
	MinNotional float64
	MaxNotional float64
}

// RiskMetrics is the per-day realized risk counter row.
type RiskMetrics struct {
	Date        string
	DailyPnL    float64
	DailyTrades int
	DailyLosses float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateTrade inserts a trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, strategy_id, side, price, qty, total, fee, pnl, status, reason, exit_reason, exchange_order_id, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.StrategyID, t.Side, t.Price, t.Qty, t.Total, t.Fee, nullFloat(t.PnL),
		t.Status, t.Reason, t.ExitReason, t.ExchangeOrderID, t.CreatedAt.UnixMilli(), nullTime(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ResolveTrade moves a pending trade to executed or failed. Rows that already
// left the pending state are not touched.
func (d *Database) ResolveTrade(ctx context.Context, r TradeResolution) error {
	var executedAt any
	if r.Status == TradeExecuted {
		executedAt = r.ExecutedAt.UnixMilli()
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, price = CASE WHEN ? > 0 THEN ? ELSE price END,
		    qty = CASE WHEN ? > 0 THEN ? ELSE qty END,
		    total = CASE WHEN ? > 0 AND ? > 0 THEN ? * ? ELSE total END,
		    fee = ?, pnl = ?, reason = ?, exchange_order_id = ?, executed_at = ?
		WHERE id = ? AND status = ?`,
		r.Status, r.Price, r.Price,
		r.Qty, r.Qty,
		r.Price, r.Qty, r.Price, r.Qty,
		r.Fee, nullFloat(r.PnL), r.Reason, r.ExchangeOrderID, executedAt,
		r.ID, TradePending)
	if err != nil {
		return fmt.Errorf("resolve trade %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve trade %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetTrade loads a single trade by id.
func (d *Database) GetTrade(ctx context.Context, id string) (Trade, error) {
	row := d.DB.QueryRowContext(ctx, tradeSelect+` WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return Trade{}, ErrNotFound
	}
	return t, err
}

// ListTrades returns the most recent trades, newest first.
func (d *Database) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, tradeSelect+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const tradeSelect = `
	SELECT id, symbol, strategy_id, side, price, qty, total, fee, pnl, status, reason, exit_reason, exchange_order_id, created_at, executed_at
	FROM trades`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (Trade, error) {
	var (
		t          Trade
		pnl        sql.NullFloat64
		createdAt  int64
		executedAt sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.Symbol, &t.StrategyID, &t.Side, &t.Price, &t.Qty, &t.Total, &t.Fee,
		&pnl, &t.Status, &t.Reason, &t.ExitReason, &t.ExchangeOrderID, &createdAt, &executedAt); err != nil {
		return Trade{}, err
	}
	if pnl.Valid {
		v := pnl.Float64
		t.PnL = &v
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	if executedAt.Valid {
		ts := time.UnixMilli(executedAt.Int64)
		t.ExecutedAt = &ts
	}
	return t, nil
}

// UpsertOpenPosition writes the ledger snapshot for a position key.
func (d *Database) UpsertOpenPosition(ctx context.Context, p OpenPosition) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, UpsertOpenPositionSQL,
		p.Key, p.Symbol, p.StrategyID, p.Qty, p.EntryPrice, p.HighestPrice, p.OpenedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert open position %s: %w", p.Key, err)
	}
	return nil
}

// UpsertOpenPositionSQL is exported for batched writers.
const UpsertOpenPositionSQL = `
	INSERT INTO open_positions (position_key, symbol, strategy_id, qty, entry_price, highest_price, opened_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(position_key) DO UPDATE SET
		qty = excluded.qty,
		entry_price = excluded.entry_price,
		highest_price = MAX(open_positions.highest_price, excluded.highest_price),
		updated_at = excluded.updated_at`

// UpdateHighestPriceSQL ratchets highest_price for an existing position. The
// opened_at guard keeps a late write from touching a reopened position.
// Args: price, updated_at (unix ms), position_key, opened_at (unix ms).
const UpdateHighestPriceSQL = `
	UPDATE open_positions SET highest_price = MAX(highest_price, ?), updated_at = ?
	WHERE position_key = ? AND opened_at = ?`

// DeleteOpenPosition removes a closed position.
func (d *Database) DeleteOpenPosition(ctx context.Context, key string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM open_positions WHERE position_key = ?`, key); err != nil {
		return fmt.Errorf("delete open position %s: %w", key, err)
	}
	return nil
}

// ListOpenPositions returns all persisted open positions.
func (d *Database) ListOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT position_key, symbol, strategy_id, qty, entry_price, highest_price, opened_at, updated_at
		FROM open_positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []OpenPosition
	for rows.Next() {
		var (
			p                   OpenPosition
			openedAt, updatedAt int64
		)
		if err := rows.Scan(&p.Key, &p.Symbol, &p.StrategyID, &p.Qty, &p.EntryPrice, &p.HighestPrice, &openedAt, &updatedAt); err != nil {
			return nil, err
		}
		p.OpenedAt = time.UnixMilli(openedAt)
		p.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRiskMetrics returns the counters for date (YYYY-MM-DD); zero values when absent.
func (d *Database) GetRiskMetrics(ctx context.Context, date string) (RiskMetrics, error) {
	m := RiskMetrics{Date: date}
	err := d.DB.QueryRowContext(ctx,
		`SELECT daily_pnl, daily_trades, daily_losses FROM risk_metrics WHERE date = ?`, date).
		Scan(&m.DailyPnL, &m.DailyTrades, &m.DailyLosses)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("get risk metrics %s: %w", date, err)
	}
	return m, nil
}

// UpsertRiskMetrics stores the counters for a day.
func (d *Database) UpsertRiskMetrics(ctx context.Context, m RiskMetrics) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_losses, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			daily_trades = excluded.daily_trades,
			daily_losses = excluded.daily_losses,
			updated_at = excluded.updated_at`,
		m.Date, m.DailyPnL, m.DailyTrades, m.DailyLosses, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert risk metrics %s: %w", m.Date, err)
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullBool(p *bool) any {
	if p == nil {
		return nil
	}
	if *p {
		return 1
	}
	return 0
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UnixMilli()
}
