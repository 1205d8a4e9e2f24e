// Package settings owns the engine's view of bot-level and per-coin trading
// configuration and refreshes it from the settings store on a timer.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"spot-core/pkg/db"
)

// DefaultStrategyID is used when a coin does not name a strategy.
const DefaultStrategyID = "default"

// Recognized bot_settings keys.
const (
	KeySignalThreshold     = "signal.threshold"
	KeySignalCooldown      = "signal.signalCooldown"
	KeyMAShort             = "signal.maShort"
	KeyMALong              = "signal.maLong"
	KeyTradingEnabled      = "trading.enabled"
	KeyTradeCooldown       = "trading.tradeCooldown"
	KeyMaxConcurrentTrades = "trading.maxConcurrentTrades"
	KeyDefaultTradeSize    = "trading.defaultTradeSize"
	KeyMinTradeSize        = "trading.minTradeSize"
	KeyMaxTradeSize        = "trading.maxTradeSize"
	KeyStopLossPercent     = "risk.stopLossPercent"
	KeyTakeProfitPercent   = "risk.takeProfitPercent"
	KeyUseTrailingStop     = "risk.useTrailingStop"
	KeyTrailingActivation  = "risk.trailingStopActivation"
	KeyMaxDailyLoss        = "risk.maxDailyLoss"
	KeyMaxDailyTrades      = "risk.maxDailyTrades"
)

// StrategyConfig is the fully resolved configuration for one symbol. All
// fields are present; percentages are expressed in percent (2 = 2%) and trade
// sizes in the quote currency.
type StrategyConfig struct {
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategy_id"`
	Active     bool   `json:"active"`

	MAShort         int           `json:"ma_short"`
	MALong          int           `json:"ma_long"`
	SignalThreshold float64       `json:"signal_threshold_percent"`
	SignalCooldown  time.Duration `json:"signal_cooldown"`
	TradeCooldown   time.Duration `json:"trade_cooldown"`

	DefaultTradeSize float64 `json:"default_trade_size"`
	MinTradeSize     float64 `json:"min_trade_size"`
	MaxTradeSize     float64 `json:"max_trade_size"`

	StopLossPercent    float64 `json:"stop_loss_percent"`
	TakeProfitPercent  float64 `json:"take_profit_percent"`
	UseTrailingStop    bool    `json:"use_trailing_stop"`
	TrailingActivation float64 `json:"trailing_activation_percent"`
}

// PositionKey identifies the position slot a symbol trades into.
func (c StrategyConfig) PositionKey() string {
	return PositionKey(c.StrategyID, c.Symbol)
}

// PositionKey builds strategyId_symbol.
func PositionKey(strategyID, symbol string) string {
	if strategyID == "" {
		strategyID = DefaultStrategyID
	}
	return strategyID + "_" + symbol
}

// Validate rejects configurations the engine cannot act on.
func (c StrategyConfig) Validate() error {
	switch {
	case c.MAShort <= 0 || c.MALong <= 0:
		return fmt.Errorf("%s: moving average windows must be > 0", c.label())
	case c.MAShort > c.MALong:
		return fmt.Errorf("%s: maShort %d exceeds maLong %d", c.label(), c.MAShort, c.MALong)
	case c.SignalThreshold < 0:
		return fmt.Errorf("%s: signal threshold must be >= 0", c.label())
	case c.SignalCooldown < 0 || c.TradeCooldown < 0:
		return fmt.Errorf("%s: cooldowns must be >= 0", c.label())
	case c.DefaultTradeSize <= 0:
		return fmt.Errorf("%s: default trade size must be > 0", c.label())
	case c.MinTradeSize < 0 || (c.MaxTradeSize > 0 && c.MinTradeSize > c.MaxTradeSize):
		return fmt.Errorf("%s: invalid trade size bounds [%v, %v]", c.label(), c.MinTradeSize, c.MaxTradeSize)
	case c.StopLossPercent < 0 || c.TakeProfitPercent < 0 || c.TrailingActivation < 0:
		return fmt.Errorf("%s: risk percentages must be >= 0", c.label())
	case c.StopLossPercent >= 100:
		return fmt.Errorf("%s: stop loss must be < 100%%", c.label())
	}
	return nil
}

func (c StrategyConfig) label() string {
	if c.Symbol == "" {
		return "defaults"
	}
	return c.Symbol
}

// Bot carries the process-wide knobs plus the defaults coins inherit.
type Bot struct {
	TradingEnabled      bool           `json:"trading_enabled"`
	MaxConcurrentTrades int            `json:"max_concurrent_trades"`
	MaxDailyLoss        float64        `json:"max_daily_loss"`
	MaxDailyTrades      int            `json:"max_daily_trades"`
	Defaults            StrategyConfig `json:"defaults"`
}

// DefaultBot returns the values used for keys absent from bot_settings.
func DefaultBot() Bot {
	return Bot{
		TradingEnabled:      true,
		MaxConcurrentTrades: 3,
		MaxDailyLoss:        0,
		MaxDailyTrades:      0,
		Defaults: StrategyConfig{
			StrategyID:         DefaultStrategyID,
			Active:             true,
			MAShort:            7,
			MALong:             25,
			SignalThreshold:    0.1,
			SignalCooldown:     60 * time.Second,
			TradeCooldown:      5 * time.Minute,
			DefaultTradeSize:   20,
			MinTradeSize:       10,
			MaxTradeSize:       100,
			StopLossPercent:    2,
			TakeProfitPercent:  4,
			UseTrailingStop:    false,
			TrailingActivation: 1,
		},
	}
}

// Snapshot is one consistent, validated read of the settings store.
type Snapshot struct {
	Bot       Bot                       `json:"bot"`
	Coins     map[string]StrategyConfig `json:"coins"`
	LotSizes  []db.LotSize              `json:"lot_sizes"`
	FetchedAt time.Time                 `json:"fetched_at"`
}

// For returns the resolved config for symbol. Unknown symbols get the bot
// defaults marked inactive so they never open new positions.
func (s Snapshot) For(symbol string) (StrategyConfig, bool) {
	if c, ok := s.Coins[symbol]; ok {
		return c, true
	}
	c := s.Bot.Defaults
	c.Symbol = symbol
	c.Active = false
	return c, false
}

// ActiveSymbols lists configured symbols with active=true, sorted.
func (s Snapshot) ActiveSymbols() []string {
	out := make([]string, 0, len(s.Coins))
	for sym, c := range s.Coins {
		if c.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks every resolved coin config.
func (s Snapshot) Validate() error {
	if s.Bot.MaxConcurrentTrades < 0 || s.Bot.MaxDailyTrades < 0 || s.Bot.MaxDailyLoss < 0 {
		return errors.New("bot limits must be >= 0")
	}
	if err := s.Bot.Defaults.Validate(); err != nil {
		return err
	}
	for _, c := range s.Coins {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, l := range s.LotSizes {
		if l.StepSize <= 0 || l.MinQty < 0 || (l.MaxQty > 0 && l.MinQty > l.MaxQty) {
			return fmt.Errorf("lot size %s: invalid rule", l.Symbol)
		}
	}
	return nil
}

// Build resolves raw store rows into a Snapshot.
func Build(bot map[string]string, coins []db.CoinSetting, lots []db.LotSize) (Snapshot, error) {
	b, err := parseBot(bot)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Bot:      b,
		Coins:    make(map[string]StrategyConfig, len(coins)),
		LotSizes: lots,
	}
	for _, c := range coins {
		cfg := merge(b.Defaults, c)
		snap.Coins[cfg.Symbol] = cfg
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func merge(def StrategyConfig, c db.CoinSetting) StrategyConfig {
	out := def
	out.Symbol = strings.ToUpper(c.Symbol)
	out.Active = c.Active
	if c.StrategyID != "" {
		out.StrategyID = c.StrategyID
	}
	if c.MAShort != nil {
		out.MAShort = int(*c.MAShort)
	}
	if c.MALong != nil {
		out.MALong = int(*c.MALong)
	}
	if c.SignalThreshold != nil {
		out.SignalThreshold = *c.SignalThreshold
	}
	if c.SignalCooldownMs != nil {
		out.SignalCooldown = time.Duration(*c.SignalCooldownMs) * time.Millisecond
	}
	if c.TradeCooldownMs != nil {
		out.TradeCooldown = time.Duration(*c.TradeCooldownMs) * time.Millisecond
	}
	if c.TradeSize != nil {
		out.DefaultTradeSize = *c.TradeSize
	}
	if c.MinTradeSize != nil {
		out.MinTradeSize = *c.MinTradeSize
	}
	if c.MaxTradeSize != nil {
		out.MaxTradeSize = *c.MaxTradeSize
	}
	if c.StopLossPercent != nil {
		out.StopLossPercent = *c.StopLossPercent
	}
	if c.TakeProfitPercent != nil {
		out.TakeProfitPercent = *c.TakeProfitPercent
	}
	if c.UseTrailingStop != nil {
		out.UseTrailingStop = *c.UseTrailingStop
	}
	if c.TrailingActivation != nil {
		out.TrailingActivation = *c.TrailingActivation
	}
	return out
}

func parseBot(raw map[string]string) (Bot, error) {
	b := DefaultBot()
	p := parser{raw: raw}

	b.TradingEnabled = p.bool(KeyTradingEnabled, b.TradingEnabled)
	b.MaxConcurrentTrades = p.int(KeyMaxConcurrentTrades, b.MaxConcurrentTrades)
	b.MaxDailyLoss = p.float(KeyMaxDailyLoss, b.MaxDailyLoss)
	b.MaxDailyTrades = p.int(KeyMaxDailyTrades, b.MaxDailyTrades)

	d := &b.Defaults
	d.MAShort = p.int(KeyMAShort, d.MAShort)
	d.MALong = p.int(KeyMALong, d.MALong)
	d.SignalThreshold = p.float(KeySignalThreshold, d.SignalThreshold)
	d.SignalCooldown = p.millis(KeySignalCooldown, d.SignalCooldown)
	d.TradeCooldown = p.millis(KeyTradeCooldown, d.TradeCooldown)
	d.DefaultTradeSize = p.float(KeyDefaultTradeSize, d.DefaultTradeSize)
	d.MinTradeSize = p.float(KeyMinTradeSize, d.MinTradeSize)
	d.MaxTradeSize = p.float(KeyMaxTradeSize, d.MaxTradeSize)
	d.StopLossPercent = p.float(KeyStopLossPercent, d.StopLossPercent)
	d.TakeProfitPercent = p.float(KeyTakeProfitPercent, d.TakeProfitPercent)
	d.UseTrailingStop = p.bool(KeyUseTrailingStop, d.UseTrailingStop)
	d.TrailingActivation = p.float(KeyTrailingActivation, d.TrailingActivation)

	if p.err != nil {
		return Bot{}, p.err
	}
	return b, nil
}

// parser keeps the first conversion error so a malformed value rejects the
// whole snapshot instead of silently using a default.
type parser struct {
	raw map[string]string
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := p.raw[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("setting %s=%q: %w", key, v, err)
	}
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// millis reads a cooldown stored as milliseconds.
func (p *parser) millis(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
