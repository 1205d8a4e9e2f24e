package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the process. Trading parameters
// (thresholds, cooldowns, risk, lot sizes) live in the settings store instead.
type Config struct {
	Port string

	// Logging
	LogLevel string
	LogJSON  bool

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	UseMockFeed      bool
	SyncLotSizes     bool

	// Execution
	DryRun            bool
	DryRunFeeRate     float64 // decimal (e.g. 0.001 = 10 bps)
	DryRunSlippageBps float64
	DryRunLatency     time.Duration
	OrderTimeout      time.Duration

	// Streams
	MaxPriceHistory int
	TickBuffer      int

	// Database / settings
	DBPath                 string
	SettingsFile           string
	SettingsReloadInterval time.Duration

	// Telemetry sinks (optional)
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	RedisAddr    string
	RedisChannel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/spot.db")
	}

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogJSON:                getEnv("LOG_JSON", "false") == "true",
		BinanceTestnet:         getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:          os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:       os.Getenv("BINANCE_API_SECRET"),
		UseMockFeed:            getEnv("USE_MOCK_FEED", "true") == "true",
		SyncLotSizes:           getEnv("SYNC_LOT_SIZES", "false") == "true",
		DryRun:                 getEnv("DRY_RUN", "true") == "true",
		DryRunFeeRate:          getEnvFloat("DRY_RUN_FEE_RATE", 0.001),
		DryRunSlippageBps:      getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DryRunLatency:          getEnvDuration("DRY_RUN_LATENCY", 50*time.Millisecond),
		OrderTimeout:           getEnvDuration("ORDER_TIMEOUT", 10*time.Second),
		MaxPriceHistory:        getEnvInt("MAX_PRICE_HISTORY", 200),
		TickBuffer:             getEnvInt("TICK_BUFFER", 256),
		DBPath:                 dbPath,
		SettingsFile:           getEnv("SETTINGS_FILE", "settings.yaml"),
		SettingsReloadInterval: getEnvDuration("SETTINGS_RELOAD_INTERVAL", 30*time.Second),
		InfluxURL:              os.Getenv("INFLUX_URL"),
		InfluxToken:            os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:              getEnv("INFLUX_ORG", "spot"),
		InfluxBucket:           getEnv("INFLUX_BUCKET", "trading"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisChannel:           getEnv("REDIS_CHANNEL", "spot-core:telemetry"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if !c.DryRun && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		return errors.New("config: live trading requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.MaxPriceHistory <= 0 {
		return errors.New("config: MAX_PRICE_HISTORY must be > 0")
	}
	if c.OrderTimeout <= 0 {
		return errors.New("config: ORDER_TIMEOUT must be > 0")
	}
	if c.SettingsReloadInterval <= 0 {
		return errors.New("config: SETTINGS_RELOAD_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SplitAndTrim splits a comma separated list and drops empty entries.
func SplitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("750ms", "30s") or bare milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
