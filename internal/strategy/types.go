package strategy

import "time"

// Kind is the decision a signal carries.
type Kind string

const (
	Buy  Kind = "BUY"
	Sell Kind = "SELL"
	Hold Kind = "HOLD"
)

// Signal reasons.
const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonWithinThreshold     = "within_threshold"
	ReasonCrossUp             = "ma_cross_up"
	ReasonCrossDown           = "ma_cross_down"
	ReasonInactive            = "inactive"
	ReasonPositionExists      = "position_exists"
	ReasonNoPosition          = "no_position"
	ReasonSignalCooldown      = "signal_cooldown"
	ReasonRiskExit            = "risk_exit"
)

// Signal is a decision emitted by the signal engine or the risk exits.
type Signal struct {
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Kind       Kind      `json:"kind"`
	Price      float64   `json:"price"`
	Reason     string    `json:"reason"`
	ExitReason string    `json:"exit_reason,omitempty"`
	MAShort    float64   `json:"ma_short,omitempty"`
	MALong     float64   `json:"ma_long,omitempty"`
	DiffPct    float64   `json:"diff_pct,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Actionable reports whether the signal asks for a trade.
func (s Signal) Actionable() bool {
	return s.Kind == Buy || s.Kind == Sell
}
