package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"spot-core/pkg/clock"
	"spot-core/pkg/db"
	"spot-core/pkg/logger"
)

var (
	ErrDailyLossLimit  = errors.New("daily loss limit reached")
	ErrDailyTradeLimit = errors.New("daily trade limit reached")
)

// TradeResult represents an executed trade.
type TradeResult struct {
	Symbol string
	Side   string
	Qty    float64
	Price  float64
	PnL    float64 // realized, net of fees; zero for entries
	Fee    float64
	Closed bool
}

// Limits tracks realized daily PnL and trade count and gates new entries.
// Counters reset when the UTC date changes.
type Limits struct {
	db    *db.Database
	clock clock.Clock
	log   *zap.Logger

	mu        sync.Mutex
	date      string
	metrics   db.RiskMetrics
	maxLoss   float64
	maxTrades int
}

// NewLimits creates the daily limit tracker. database may be nil for an
// in-memory tracker.
func NewLimits(database *db.Database, clk clock.Clock) *Limits {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limits{db: database, clock: clk, log: logger.Named("risk")}
	l.date = l.today()
	l.metrics.Date = l.date
	return l
}

// Load restores today's counters from the risk_metrics table.
func (l *Limits) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.date = l.today()
	m, err := l.db.GetRiskMetrics(ctx, l.date)
	if err != nil {
		return fmt.Errorf("load risk metrics: %w", err)
	}
	l.metrics = m
	return nil
}

// SetLimits updates the thresholds; zero disables a limit.
func (l *Limits) SetLimits(maxDailyLoss float64, maxDailyTrades int) {
	l.mu.Lock()
	l.maxLoss = maxDailyLoss
	l.maxTrades = maxDailyTrades
	l.mu.Unlock()
}

// AllowEntry returns an error when a new position must not be opened.
// Exits are never gated.
func (l *Limits) AllowEntry() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if l.maxTrades > 0 && l.metrics.DailyTrades >= l.maxTrades {
		return fmt.Errorf("%d/%d trades: %w", l.metrics.DailyTrades, l.maxTrades, ErrDailyTradeLimit)
	}
	if l.maxLoss > 0 && l.metrics.DailyLosses >= l.maxLoss {
		return fmt.Errorf("%.2f/%.2f lost: %w", l.metrics.DailyLosses, l.maxLoss, ErrDailyLossLimit)
	}
	return nil
}

// Record adds an executed trade to today's counters and persists them.
func (l *Limits) Record(ctx context.Context, t TradeResult) error {
	l.mu.Lock()
	l.rollover()
	l.metrics.DailyTrades++
	if t.Closed {
		l.metrics.DailyPnL += t.PnL
		if t.PnL < 0 {
			l.metrics.DailyLosses += -t.PnL
		}
	}
	snapshot := l.metrics
	l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	return l.db.UpsertRiskMetrics(ctx, snapshot)
}

// Metrics returns today's counters.
func (l *Limits) Metrics() db.RiskMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.metrics
}

// rollover resets counters at the UTC day boundary. Caller holds mu.
func (l *Limits) rollover() {
	today := l.today()
	if today == l.date {
		return
	}
	l.log.Info("risk: daily metrics reset",
		zap.String("prev_date", l.date),
		zap.Float64("pnl", l.metrics.DailyPnL),
		zap.Int("trades", l.metrics.DailyTrades),
		zap.Float64("losses", l.metrics.DailyLosses))
	l.date = today
	l.metrics = db.RiskMetrics{Date: today}
}

func (l *Limits) today() string {
	return l.clock.Now().UTC().Format("2006-01-02")
}
