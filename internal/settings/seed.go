package settings

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"spot-core/pkg/db"
	"spot-core/pkg/exchanges/common"
)

// File is the YAML seed used to provision the settings tables.
type File struct {
	Bot      map[string]any `yaml:"bot"`
	Coins    []CoinEntry    `yaml:"coins"`
	LotSizes []LotEntry     `yaml:"lot_sizes"`
}

// CoinEntry is one per-symbol override; omitted fields inherit bot defaults.
type CoinEntry struct {
	Symbol             string   `yaml:"symbol"`
	StrategyID         string   `yaml:"strategy_id"`
	Active             *bool    `yaml:"active"`
	MAShort            *int64   `yaml:"ma_short"`
	MALong             *int64   `yaml:"ma_long"`
	SignalThreshold    *float64 `yaml:"signal_threshold"`
	SignalCooldownMs   *int64   `yaml:"signal_cooldown_ms"`
	TradeCooldownMs    *int64   `yaml:"trade_cooldown_ms"`
	TradeSize          *float64 `yaml:"trade_size"`
	MinTradeSize       *float64 `yaml:"min_trade_size"`
	MaxTradeSize       *float64 `yaml:"max_trade_size"`
	StopLossPercent    *float64 `yaml:"stop_loss_percent"`
	TakeProfitPercent  *float64 `yaml:"take_profit_percent"`
	UseTrailingStop    *bool    `yaml:"use_trailing_stop"`
	TrailingActivation *float64 `yaml:"trailing_activation"`
}

// LotEntry is one lot-size rule; symbol DEFAULT is the fallback.
type LotEntry struct {
	Symbol      string  `yaml:"symbol"`
	MinQty      float64 `yaml:"min_qty"`
	MaxQty      float64 `yaml:"max_qty"`
	StepSize    float64 `yaml:"step_size"`
	MinNotional float64 `yaml:"min_notional"`
	MaxNotional float64 `yaml:"max_notional"`
}

// LoadFile reads a YAML seed file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML seed document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse settings yaml: %w", err)
	}
	for i, c := range f.Coins {
		if strings.TrimSpace(c.Symbol) == "" {
			return nil, fmt.Errorf("coins[%d]: symbol is required", i)
		}
	}
	for i, l := range f.LotSizes {
		if strings.TrimSpace(l.Symbol) == "" || l.StepSize <= 0 {
			return nil, fmt.Errorf("lot_sizes[%d]: symbol and step_size are required", i)
		}
	}
	return &f, nil
}

// Seed upserts the file into the settings tables in one transaction.
func Seed(ctx context.Context, database *db.Database, f *File) error {
	bot := make(map[string]string, len(f.Bot))
	for k, v := range f.Bot {
		bot[k] = formatValue(v)
	}

	coins := make([]db.CoinSetting, 0, len(f.Coins))
	for _, c := range f.Coins {
		active := true
		if c.Active != nil {
			active = *c.Active
		}
		coins = append(coins, db.CoinSetting{
			Symbol:             strings.ToUpper(strings.TrimSpace(c.Symbol)),
			StrategyID:         c.StrategyID,
			Active:             active,
			MAShort:            c.MAShort,
			MALong:             c.MALong,
			SignalThreshold:    c.SignalThreshold,
			SignalCooldownMs:   c.SignalCooldownMs,
			TradeCooldownMs:    c.TradeCooldownMs,
			TradeSize:          c.TradeSize,
			MinTradeSize:       c.MinTradeSize,
			MaxTradeSize:       c.MaxTradeSize,
			StopLossPercent:    c.StopLossPercent,
			TakeProfitPercent:  c.TakeProfitPercent,
			UseTrailingStop:    c.UseTrailingStop,
			TrailingActivation: c.TrailingActivation,
		})
	}

	lots := make([]db.LotSize, 0, len(f.LotSizes))
	for _, l := range f.LotSizes {
		lots = append(lots, db.LotSize{
			Symbol:      strings.ToUpper(strings.TrimSpace(l.Symbol)),
			MinQty:      l.MinQty,
			MaxQty:      l.MaxQty,
			StepSize:    l.StepSize,
			MinNotional: l.MinNotional,
			MaxNotional: l.MaxNotional,
		})
	}

	return database.SeedSettings(ctx, bot, coins, lots)
}

// ImportExchangeRules stores lot-size filters fetched from the exchange.
// Symbols without a usable step size are skipped.
func ImportExchangeRules(ctx context.Context, database *db.Database, rules []common.SymbolFilters) (int, error) {
	lots := make([]db.LotSize, 0, len(rules))
	for _, r := range rules {
		if r.StepSize <= 0 {
			continue
		}
		lots = append(lots, db.LotSize{
			Symbol:      r.Symbol,
			MinQty:      r.MinQty,
			MaxQty:      r.MaxQty,
			StepSize:    r.StepSize,
			MinNotional: r.MinNotional,
			MaxNotional: r.MaxNotional,
		})
	}
	if err := database.SeedSettings(ctx, nil, nil, lots); err != nil {
		return 0, fmt.Errorf("import exchange rules: %w", err)
	}
	return len(lots), nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
