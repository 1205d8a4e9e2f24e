package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DRY_RUN", "true")
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("ORDER_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "./data/spot.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.OrderTimeout != 10*time.Second {
		t.Errorf("OrderTimeout = %v", cfg.OrderTimeout)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for live mode without credentials")
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want time.Duration
	}{
		{"go duration", "750ms", 750 * time.Millisecond},
		{"bare millis", "1500", 1500 * time.Millisecond},
		{"garbage falls back", "soon", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.val)
			if got := getEnvDuration("TEST_DURATION", time.Second); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := SplitAndTrim(" BTCUSDT, ,ETHUSDT ,")
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("unexpected split: %v", got)
	}
}
