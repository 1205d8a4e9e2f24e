package settings

import (
	"context"
	"testing"
	"time"

	"spot-core/pkg/db"
)

func TestBuildMergesCoinOverrides(t *testing.T) {
	maShort := int64(3)
	trailing := true
	bot := map[string]string{
		KeySignalThreshold: "0.01",
		KeySignalCooldown:  "30000",
		KeyMALong:          "10",
		KeyTradingEnabled:  "false",
	}
	coins := []db.CoinSetting{
		{Symbol: "btcusdt", Active: true, MAShort: &maShort, UseTrailingStop: &trailing},
		{Symbol: "ETHUSDT", StrategyID: "swing", Active: false},
	}

	snap, err := Build(bot, coins, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Bot.TradingEnabled {
		t.Error("trading.enabled=false not applied")
	}

	btc, ok := snap.For("BTCUSDT")
	if !ok {
		t.Fatal("BTCUSDT missing from snapshot")
	}
	if btc.MAShort != 3 || btc.MALong != 10 || !btc.UseTrailingStop {
		t.Errorf("override merge wrong: %+v", btc)
	}
	if btc.SignalThreshold != 0.01 || btc.SignalCooldown != 30*time.Second {
		t.Errorf("bot defaults not inherited: %+v", btc)
	}
	if btc.PositionKey() != "default_BTCUSDT" {
		t.Errorf("PositionKey = %s", btc.PositionKey())
	}

	eth, _ := snap.For("ETHUSDT")
	if eth.PositionKey() != "swing_ETHUSDT" {
		t.Errorf("PositionKey = %s", eth.PositionKey())
	}

	if got := snap.ActiveSymbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("ActiveSymbols = %v", got)
	}

	if unknown, ok := snap.For("XRPUSDT"); ok || unknown.Active {
		t.Errorf("unknown symbol must resolve inactive: %+v", unknown)
	}
}

func TestBuildRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		bot  map[string]string
	}{
		{"malformed number", map[string]string{KeySignalThreshold: "abc"}},
		{"malformed bool", map[string]string{KeyTradingEnabled: "maybe"}},
		{"short above long", map[string]string{KeyMAShort: "30", KeyMALong: "10"}},
		{"negative cooldown", map[string]string{KeyTradeCooldown: "-5"}},
		{"stop loss too wide", map[string]string{KeyStopLossPercent: "100"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Build(tc.bot, nil, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSeedAndFetchAll(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	f, err := ParseFile([]byte(`
bot:
  signal.threshold: 0.05
  trading.maxConcurrentTrades: 2
  risk.useTrailingStop: true
coins:
  - symbol: dogeusdt
    ma_short: 5
    ma_long: 20
  - symbol: BTCUSDT
    active: false
lot_sizes:
  - symbol: DEFAULT
    min_qty: 0.001
    max_qty: 100000
    step_size: 0.001
  - symbol: DOGEUSDT
    min_qty: 1
    max_qty: 9000000
    step_size: 1
    min_notional: 1
`))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	ctx := context.Background()
	if err := Seed(ctx, database, f); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	snap, err := NewStore(database).FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if snap.Bot.MaxConcurrentTrades != 2 || !snap.Bot.Defaults.UseTrailingStop {
		t.Errorf("bot settings not applied: %+v", snap.Bot)
	}
	doge, ok := snap.For("DOGEUSDT")
	if !ok || !doge.Active || doge.MAShort != 5 || doge.MALong != 20 || doge.SignalThreshold != 0.05 {
		t.Errorf("DOGEUSDT config wrong: %+v", doge)
	}
	if btc, _ := snap.For("BTCUSDT"); btc.Active {
		t.Error("BTCUSDT should be inactive")
	}
	if len(snap.LotSizes) != 2 {
		t.Errorf("expected 2 lot sizes, got %d", len(snap.LotSizes))
	}
}

func TestParseFileRequiresSymbols(t *testing.T) {
	if _, err := ParseFile([]byte("coins:\n  - ma_short: 3\n")); err == nil {
		t.Fatal("expected error for coin without symbol")
	}
	if _, err := ParseFile([]byte("lot_sizes:\n  - symbol: X\n")); err == nil {
		t.Fatal("expected error for lot size without step")
	}
}
