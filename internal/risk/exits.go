package risk

import "spot-core/internal/settings"

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitSignal       ExitReason = "signal"
)

// percentEpsilon absorbs float rounding in percent comparisons.
const percentEpsilon = 1e-9

// Params are the exit rules applied to one position.
type Params struct {
	StopLossPercent    float64
	TakeProfitPercent  float64
	UseTrailingStop    bool
	TrailingActivation float64
}

// ParamsFrom extracts exit rules from a resolved strategy config.
func ParamsFrom(cfg settings.StrategyConfig) Params {
	return Params{
		StopLossPercent:    cfg.StopLossPercent,
		TakeProfitPercent:  cfg.TakeProfitPercent,
		UseTrailingStop:    cfg.UseTrailingStop,
		TrailingActivation: cfg.TrailingActivation,
	}
}

// Exit is a triggered risk rule for a position.
type Exit struct {
	Key        string     `json:"key"`
	Symbol     string     `json:"symbol"`
	StrategyID string     `json:"strategy_id"`
	Reason     ExitReason `json:"reason"`
	Price      float64    `json:"price"`
	PnLPercent float64    `json:"pnl_percent"`
	StopPrice  float64    `json:"stop_price,omitempty"`
}

// PnLPercent is the unrealized PnL of a long position in percent.
func PnLPercent(entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (price - entry) / entry * 100
}

// TrailingStopPrice is highest*(1-sl/100). It only moves up with highest.
func TrailingStopPrice(highest, stopLossPercent float64) float64 {
	return highest * (1 - stopLossPercent/100)
}

// TrailingActive reports whether the peak gain has reached the activation
// threshold. It is judged on the highest price seen so a pullback does not
// disarm the stop.
func TrailingActive(entry, highest float64, p Params) bool {
	return p.UseTrailingStop && PnLPercent(entry, highest) >= p.TrailingActivation-percentEpsilon
}

// Evaluate checks the exit rules for a long position in priority order:
// stop-loss (trailing once armed, fixed otherwise), then take-profit, which
// is disabled while the trailing stop is enabled. A zero percentage disables
// its rule.
func Evaluate(entry, highest, price float64, p Params) (ExitReason, bool) {
	if entry <= 0 || price <= 0 {
		return "", false
	}
	pnl := PnLPercent(entry, price)

	if p.StopLossPercent > 0 {
		if TrailingActive(entry, highest, p) {
			drawdown := (highest - price) / highest * 100
			if drawdown >= p.StopLossPercent-percentEpsilon {
				return ExitTrailingStop, true
			}
		} else if pnl <= -p.StopLossPercent+percentEpsilon {
			return ExitStopLoss, true
		}
	}

	if !p.UseTrailingStop && p.TakeProfitPercent > 0 && pnl >= p.TakeProfitPercent-percentEpsilon {
		return ExitTakeProfit, true
	}
	return "", false
}
