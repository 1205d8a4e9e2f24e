package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"spot-core/pkg/clock"
	"spot-core/pkg/db"
	"spot-core/pkg/logger"
)

func TestLimitsBlockEntries(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC))
	l := NewLimits(nil, clk)
	l.SetLimits(10, 3)

	if err := l.AllowEntry(); err != nil {
		t.Fatalf("fresh day blocked: %v", err)
	}

	_ = l.Record(ctx, TradeResult{Symbol: "BTCUSDT", Side: "BUY"})
	_ = l.Record(ctx, TradeResult{Symbol: "BTCUSDT", Side: "SELL", PnL: -12, Closed: true})
	if err := l.AllowEntry(); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("err = %v, want ErrDailyLossLimit", err)
	}

	clk.Advance(2 * time.Hour) // next UTC day
	if err := l.AllowEntry(); err != nil {
		t.Fatalf("limits not reset at day change: %v", err)
	}
	if m := l.Metrics(); m.DailyTrades != 0 || m.Date != "2024-03-02" {
		t.Fatalf("unexpected metrics after rollover: %+v", m)
	}

	for i := 0; i < 3; i++ {
		_ = l.Record(ctx, TradeResult{Symbol: "ETHUSDT", Side: "BUY"})
	}
	if err := l.AllowEntry(); !errors.Is(err, ErrDailyTradeLimit) {
		t.Fatalf("err = %v, want ErrDailyTradeLimit", err)
	}
}

func TestLimitsPersistAndReload(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimits(database, clk)
	if err := l.Record(ctx, TradeResult{PnL: 4.5, Closed: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, TradeResult{PnL: -1.5, Closed: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	restarted := NewLimits(database, clk)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := restarted.Metrics()
	if m.DailyTrades != 2 || m.DailyPnL != 3 || m.DailyLosses != 1.5 {
		t.Fatalf("reloaded metrics = %+v", m)
	}
}
