// Package state holds the position ledger: the engine's record of what is
// currently held, changed only by confirmed exchange fills.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/persistence"
	"spot-core/internal/risk"
	"spot-core/pkg/clock"
	"spot-core/pkg/db"
	"spot-core/pkg/logger"
)

var (
	ErrPositionExists = errors.New("position already open")
	ErrNoPosition     = errors.New("no open position")
)

// Position is one open long position.
type Position struct {
	Key          string    `json:"key"`
	Symbol       string    `json:"symbol"`
	StrategyID   string    `json:"strategy_id"`
	Qty          float64   `json:"qty"`
	EntryPrice   float64   `json:"entry_price"`
	HighestPrice float64   `json:"highest_price"`
	LastPrice    float64   `json:"last_price"`
	OpenedAt     time.Time `json:"opened_at"`
}

// UnrealizedPnLPercent uses the last seen price.
func (p Position) UnrealizedPnLPercent() float64 {
	return risk.PnLPercent(p.EntryPrice, p.LastPrice)
}

// Fill is a confirmed exchange execution.
type Fill struct {
	OrderID string
	Price   float64
	Qty     float64
	Fee     float64 // quote currency
	Time    time.Time
}

// Closed is the result of closing a position.
type Closed struct {
	Position
	ExitPrice   float64   `json:"exit_price"`
	ExitQty     float64   `json:"exit_qty"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

// RealizedPnL is (exit-entry)*qty minus the exit fee.
func RealizedPnL(entry, exit, qty, fee float64) float64 {
	return (exit-entry)*qty - fee
}

// ParamsFunc resolves the exit rules for a position.
type ParamsFunc func(Position) risk.Params

// Ledger tracks open positions by position key and persists them for restart.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	db        *db.Database
	writer    *persistence.BatchWriter
	clock     clock.Clock
	log       *zap.Logger
}

// NewLedger creates a ledger. database and writer may be nil for an
// in-memory ledger; clk defaults to the wall clock. It stamps fills that
// arrive without a time and highest-price ratchets.
func NewLedger(database *db.Database, writer *persistence.BatchWriter, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{
		positions: make(map[string]*Position),
		db:        database,
		writer:    writer,
		clock:     clk,
		log:       logger.Named("ledger"),
	}
}

// Load rehydrates open positions persisted before a restart.
func (l *Ledger) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	rows, err := l.db.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rows {
		l.positions[r.Key] = &Position{
			Key:          r.Key,
			Symbol:       r.Symbol,
			StrategyID:   r.StrategyID,
			Qty:          r.Qty,
			EntryPrice:   r.EntryPrice,
			HighestPrice: r.HighestPrice,
			LastPrice:    r.HighestPrice,
			OpenedAt:     r.OpenedAt,
		}
	}
	if len(rows) > 0 {
		l.log.Info("ledger: restored open positions", zap.Int("count", len(rows)))
	}
	return nil
}

// Open records a confirmed BUY fill. An existing position for key is never
// overwritten.
func (l *Ledger) Open(ctx context.Context, key, symbol, strategyID string, fill Fill) (Position, error) {
	if fill.Qty <= 0 || fill.Price <= 0 {
		return Position{}, fmt.Errorf("open %s: invalid fill qty=%v price=%v", key, fill.Qty, fill.Price)
	}
	if fill.Time.IsZero() {
		fill.Time = l.clock.Now()
	}

	l.mu.Lock()
	if _, ok := l.positions[key]; ok {
		l.mu.Unlock()
		l.log.Warn("ledger: open rejected, position exists", zap.String("key", key))
		return Position{}, fmt.Errorf("open %s: %w", key, ErrPositionExists)
	}
	p := &Position{
		Key:          key,
		Symbol:       symbol,
		StrategyID:   strategyID,
		Qty:          fill.Qty,
		EntryPrice:   fill.Price,
		HighestPrice: fill.Price,
		LastPrice:    fill.Price,
		// persisted with ms precision; keep the in-memory copy identical
		OpenedAt: time.UnixMilli(fill.Time.UnixMilli()),
	}
	l.positions[key] = p
	out := *p
	l.mu.Unlock()

	if l.db != nil {
		if err := l.db.UpsertOpenPosition(ctx, toRow(out)); err != nil {
			l.log.Error("ledger: persist open position failed", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}

// Close records a confirmed SELL fill and removes the position.
func (l *Ledger) Close(ctx context.Context, key string, fill Fill) (Closed, error) {
	if fill.Time.IsZero() {
		fill.Time = l.clock.Now()
	}

	l.mu.Lock()
	p, ok := l.positions[key]
	if !ok {
		l.mu.Unlock()
		return Closed{}, fmt.Errorf("close %s: %w", key, ErrNoPosition)
	}
	delete(l.positions, key)
	pos := *p
	l.mu.Unlock()

	qty := fill.Qty
	if qty <= 0 {
		qty = pos.Qty
	}
	pos.LastPrice = fill.Price
	c := Closed{
		Position:    pos,
		ExitPrice:   fill.Price,
		ExitQty:     qty,
		Fee:         fill.Fee,
		RealizedPnL: RealizedPnL(pos.EntryPrice, fill.Price, qty, fill.Fee),
		ClosedAt:    fill.Time,
	}

	if l.writer != nil {
		l.writer.Drop(key)
	}
	if l.db != nil {
		if err := l.db.DeleteOpenPosition(ctx, key); err != nil {
			l.log.Error("ledger: delete open position failed", zap.String("key", key), zap.Error(err))
		}
	}
	return c, nil
}

// OnTick updates every position on symbol with price, ratchets the highest
// price seen and returns the exits that fired.
func (l *Ledger) OnTick(symbol string, price float64, params ParamsFunc) []risk.Exit {
	if price <= 0 {
		return nil
	}
	var (
		exits   []risk.Exit
		ratchet []Position
	)

	l.mu.Lock()
	for _, p := range l.positions {
		if p.Symbol != symbol {
			continue
		}
		p.LastPrice = price
		if price > p.HighestPrice {
			p.HighestPrice = price
			ratchet = append(ratchet, *p)
		}
		if params == nil {
			continue
		}
		rp := params(*p)
		if reason, hit := risk.Evaluate(p.EntryPrice, p.HighestPrice, price, rp); hit {
			e := risk.Exit{
				Key:        p.Key,
				Symbol:     p.Symbol,
				StrategyID: p.StrategyID,
				Reason:     reason,
				Price:      price,
				PnLPercent: risk.PnLPercent(p.EntryPrice, price),
			}
			if reason == risk.ExitTrailingStop {
				e.StopPrice = risk.TrailingStopPrice(p.HighestPrice, rp.StopLossPercent)
			}
			exits = append(exits, e)
		}
	}
	l.mu.Unlock()

	if l.writer != nil {
		now := l.clock.Now().UnixMilli()
		for _, p := range ratchet {
			l.writer.WriteKeyed(p.Key, db.UpdateHighestPriceSQL, p.HighestPrice, now, p.Key, p.OpenedAt.UnixMilli())
		}
	}
	return exits
}

// Position returns the position for key.
func (l *Ledger) Position(key string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Has reports whether key holds an open position.
func (l *Ledger) Has(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[key]
	return ok
}

// Count returns the number of open positions across all symbols.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Positions returns a snapshot of all open positions ordered by open time.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Symbols returns the distinct symbols with open positions.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	seen := make(map[string]bool)
	for _, p := range l.positions {
		seen[p.Symbol] = true
	}
	l.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toRow(p Position) db.OpenPosition {
	return db.OpenPosition{
		Key:          p.Key,
		Symbol:       p.Symbol,
		StrategyID:   p.StrategyID,
		Qty:          p.Qty,
		EntryPrice:   p.EntryPrice,
		HighestPrice: p.HighestPrice,
		OpenedAt:     p.OpenedAt,
	}
}
