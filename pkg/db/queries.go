package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
)

// GetBotSettings returns all bot-level settings as raw key/value strings.
func (d *Database) GetBotSettings(ctx context.Context) (map[string]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value FROM bot_settings`)
	if err != nil {
		return nil, fmt.Errorf("query bot settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertBotSetting stores a single bot-level setting.
func (d *Database) UpsertBotSetting(ctx context.Context, key, value string) error {
	return upsertBotSetting(ctx, d.DB, key, value)
}

func upsertBotSetting(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO bot_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert bot setting %s: %w", key, err)
	}
	return nil
}

// ListCoinSettings returns per-symbol overrides.
func (d *Database) ListCoinSettings(ctx context.Context) ([]CoinSetting, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, strategy_id, active, ma_short, ma_long, signal_threshold, signal_cooldown_ms,
		       trade_cooldown_ms, trade_size, min_trade_size, max_trade_size, stop_loss_percent,
		       take_profit_percent, use_trailing_stop, trailing_activation
		FROM coin_settings ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query coin settings: %w", err)
	}
	defer rows.Close()

	var out []CoinSetting
	for rows.Next() {
		var (
			c                                              CoinSetting
			active                                         int
			maShort, maLong, sigCd, tradeCd, trailing      sql.NullInt64
			threshold, size, minSize, maxSize, sl, tp, act sql.NullFloat64
		)
		if err := rows.Scan(&c.Symbol, &c.StrategyID, &active, &maShort, &maLong, &threshold, &sigCd,
			&tradeCd, &size, &minSize, &maxSize, &sl, &tp, &trailing, &act); err != nil {
			return nil, err
		}
		c.Active = active == 1
		c.MAShort = intPtr(maShort)
		c.MALong = intPtr(maLong)
		c.SignalThreshold = floatPtr(threshold)
		c.SignalCooldownMs = intPtr(sigCd)
		c.TradeCooldownMs = intPtr(tradeCd)
		c.TradeSize = floatPtr(size)
		c.MinTradeSize = floatPtr(minSize)
		c.MaxTradeSize = floatPtr(maxSize)
		c.StopLossPercent = floatPtr(sl)
		c.TakeProfitPercent = floatPtr(tp)
		c.TrailingActivation = floatPtr(act)
		if trailing.Valid {
			b := trailing.Int64 == 1
			c.UseTrailingStop = &b
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCoinSetting stores per-symbol overrides.
func (d *Database) UpsertCoinSetting(ctx context.Context, c CoinSetting) error {
	return upsertCoinSetting(ctx, d.DB, c)
}

func upsertCoinSetting(ctx context.Context, ex execer, c CoinSetting) error {
	if c.StrategyID == "" {
		c.StrategyID = "default"
	}
	active := 0
	if c.Active {
		active = 1
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO coin_settings (symbol, strategy_id, active, ma_short, ma_long, signal_threshold, signal_cooldown_ms,
			trade_cooldown_ms, trade_size, min_trade_size, max_trade_size, stop_loss_percent, take_profit_percent,
			use_trailing_stop, trailing_activation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			active = excluded.active,
			ma_short = excluded.ma_short,
			ma_long = excluded.ma_long,
			signal_threshold = excluded.signal_threshold,
			signal_cooldown_ms = excluded.signal_cooldown_ms,
			trade_cooldown_ms = excluded.trade_cooldown_ms,
			trade_size = excluded.trade_size,
			min_trade_size = excluded.min_trade_size,
			max_trade_size = excluded.max_trade_size,
			stop_loss_percent = excluded.stop_loss_percent,
			take_profit_percent = excluded.take_profit_percent,
			use_trailing_stop = excluded.use_trailing_stop,
			trailing_activation = excluded.trailing_activation,
			updated_at = excluded.updated_at`,
		c.Symbol, c.StrategyID, active, nullInt(c.MAShort), nullInt(c.MALong), nullFloat(c.SignalThreshold),
		nullInt(c.SignalCooldownMs), nullInt(c.TradeCooldownMs), nullFloat(c.TradeSize), nullFloat(c.MinTradeSize),
		nullFloat(c.MaxTradeSize), nullFloat(c.StopLossPercent), nullFloat(c.TakeProfitPercent),
		nullBool(c.UseTrailingStop), nullFloat(c.TrailingActivation), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert coin setting %s: %w", c.Symbol, err)
	}
	return nil
}

// ListLotSizes returns all stored lot-size rules, DEFAULT included.
func (d *Database) ListLotSizes(ctx context.Context) ([]LotSize, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, min_qty, max_qty, step_size, min_notional, max_notional FROM lot_sizes ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query lot sizes: %w", err)
	}
	defer rows.Close()

	var out []LotSize
	for rows.Next() {
		var l LotSize
		if err := rows.Scan(&l.Symbol, &l.MinQty, &l.MaxQty, &l.StepSize, &l.MinNotional, &l.MaxNotional); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertLotSize stores a lot-size rule.
func (d *Database) UpsertLotSize(ctx context.Context, l LotSize) error {
	return upsertLotSize(ctx, d.DB, l)
}

func upsertLotSize(ctx context.Context, ex execer, l LotSize) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO lot_sizes (symbol, min_qty, max_qty, step_size, min_notional, max_notional, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			min_qty = excluded.min_qty,
			max_qty = excluded.max_qty,
			step_size = excluded.step_size,
			min_notional = excluded.min_notional,
			max_notional = excluded.max_notional,
			updated_at = excluded.updated_at`,
		l.Symbol, l.MinQty, l.MaxQty, l.StepSize, l.MinNotional, l.MaxNotional, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert lot size %s: %w", l.Symbol, err)
	}
	return nil
}

// SeedSettings upserts bot settings, coin overrides and lot sizes in one transaction.
func (d *Database) SeedSettings(ctx context.Context, bot map[string]string, coins []CoinSetting, lots []LotSize) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	for k, v := range bot {
		if err := upsertBotSetting(ctx, tx, k, v); err != nil {
			return err
		}
	}
	for _, c := range coins {
		if err := upsertCoinSetting(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, l := range lots {
		if err := upsertLotSize(ctx, tx, l); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
