package strategy

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/settings"
	"spot-core/pkg/clock"
	"spot-core/pkg/logger"
)

func testConfig() settings.StrategyConfig {
	cfg := settings.DefaultBot().Defaults
	cfg.Symbol = "BTCUSDT"
	cfg.MAShort = 2
	cfg.MALong = 4
	cfg.SignalThreshold = 0.5
	cfg.SignalCooldown = time.Minute
	return cfg
}

func TestEvaluateInsufficientHistory(t *testing.T) {
	cfg := testConfig()
	cfg.MAShort = 5
	cfg.MALong = 10
	sig := Evaluate([]float64{1, 2, 3, 4, 5}, cfg)
	if sig.Kind != Hold || sig.Reason != ReasonInsufficientHistory {
		t.Fatalf("got %s/%s, want HOLD/insufficient_history", sig.Kind, sig.Reason)
	}
}

func TestEvaluateThreshold(t *testing.T) {
	// MA(1) over the last price vs MA(2) averaging 100.04 and 100.00.
	cfg := testConfig()
	cfg.MAShort = 1
	cfg.MALong = 2
	cfg.SignalThreshold = 0.01

	sig := Evaluate([]float64{99.98, 100.02}, cfg)
	if sig.Kind != Buy || sig.Reason != ReasonCrossUp {
		t.Fatalf("got %s/%s (diff %.4f%%), want BUY", sig.Kind, sig.Reason, sig.DiffPct)
	}

	tests := []struct {
		name    string
		history []float64
		want    Kind
		reason  string
	}{
		{"rising", []float64{100, 100, 104, 104}, Buy, ReasonCrossUp},
		{"falling", []float64{104, 104, 100, 100}, Sell, ReasonCrossDown},
		{"flat", []float64{100, 100, 100.1, 100.1}, Hold, ReasonWithinThreshold},
	}
	base := testConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Evaluate(tt.history, base)
			if sig.Kind != tt.want || sig.Reason != tt.reason {
				t.Fatalf("got %s/%s (diff %.4f%%), want %s/%s", sig.Kind, sig.Reason, sig.DiffPct, tt.want, tt.reason)
			}
		})
	}
}

func TestEvaluateThresholdScenario(t *testing.T) {
	// maShort=100.02, maLong=100.00: 0.02% >= 0.01%.
	cfg := testConfig()
	cfg.MAShort = 2
	cfg.MALong = 4
	cfg.SignalThreshold = 0.01
	sig := Evaluate([]float64{99.98, 99.98, 100.02, 100.02}, cfg)
	if sig.MAShort != 100.02 {
		t.Fatalf("maShort = %v", sig.MAShort)
	}
	if sig.Kind != Buy {
		t.Fatalf("got %s (diff %.5f%%), want BUY", sig.Kind, sig.DiffPct)
	}
}

func TestDecideGates(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	rising := []float64{100, 100, 104, 104}
	falling := []float64{104, 104, 100, 100}

	tests := []struct {
		name        string
		history     []float64
		active      bool
		hasPosition bool
		want        Kind
		reason      string
	}{
		{"inactive", rising, false, false, Hold, ReasonInactive},
		{"buy without position", rising, true, false, Buy, ReasonCrossUp},
		{"buy with position", rising, true, true, Hold, ReasonPositionExists},
		{"sell with position", falling, true, true, Sell, ReasonCrossDown},
		{"sell without position", falling, true, false, Hold, ReasonNoPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(clock.NewFake(time.Unix(1_700_000_000, 0)))
			cfg := testConfig()
			cfg.Active = tt.active
			sig := e.Decide("BTCUSDT", tt.history, cfg, tt.hasPosition)
			if sig.Kind != tt.want || sig.Reason != tt.reason {
				t.Fatalf("got %s/%s, want %s/%s", sig.Kind, sig.Reason, tt.want, tt.reason)
			}
			if sig.Symbol != "BTCUSDT" || sig.StrategyID != cfg.StrategyID {
				t.Fatalf("signal not stamped: %+v", sig)
			}
		})
	}
}

func TestDecideCooldownMonotonic(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := NewEngine(clk)
	cfg := testConfig()
	rising := []float64{100, 100, 104, 104}

	var accepted []time.Time
	for i := 0; i < 300; i++ {
		sig := e.Decide("BTCUSDT", rising, cfg, false)
		if sig.Actionable() {
			accepted = append(accepted, sig.Timestamp)
		} else if sig.Reason != ReasonSignalCooldown {
			t.Fatalf("unexpected hold reason %s", sig.Reason)
		}
		clk.Advance(time.Second)
	}

	if len(accepted) != 5 {
		t.Fatalf("accepted %d signals in 300s with 60s cooldown, want 5", len(accepted))
	}
	for i := 1; i < len(accepted); i++ {
		if gap := accepted[i].Sub(accepted[i-1]); gap < cfg.SignalCooldown {
			t.Fatalf("signals %d and %d only %v apart", i-1, i, gap)
		}
	}

	// Cooldown is per symbol.
	if sig := e.Decide("ETHUSDT", rising, cfg, false); !sig.Actionable() {
		t.Fatalf("other symbol blocked by cooldown: %s", sig.Reason)
	}
}

func TestDecideHoldDoesNotStampCooldown(t *testing.T) {
	defer logger.SetForTest(zap.NewNop())()
	e := NewEngine(clock.NewFake(time.Unix(1_700_000_000, 0)))
	cfg := testConfig()

	e.Decide("BTCUSDT", []float64{100, 100, 104, 104}, cfg, true) // position_exists
	if _, ok := e.LastSignalTime("BTCUSDT"); ok {
		t.Fatal("suppressed signal must not start the cooldown")
	}
	if sig := e.Decide("BTCUSDT", []float64{100, 100, 104, 104}, cfg, false); !sig.Actionable() {
		t.Fatalf("expected BUY, got %s", sig.Reason)
	}
}
