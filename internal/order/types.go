package order

import (
	"errors"
	"time"

	"spot-core/internal/risk"
	"spot-core/internal/strategy"
	"spot-core/pkg/exchanges/common"
)

var (
	ErrNotActionable    = errors.New("signal is not BUY or SELL")
	ErrDuplicateSignal  = errors.New("duplicate pending signal")
	ErrTradingDisabled  = errors.New("trading disabled")
	ErrTradeCooldown    = errors.New("trade cooldown active")
	ErrConcurrencyLimit = errors.New("max concurrent trades reached")
	ErrDailyLimit       = errors.New("daily risk limit reached")
	ErrQueueFull        = errors.New("symbol order queue full")
	ErrClosed           = errors.New("executor closed")
)

// Intent is an accepted signal waiting in its symbol's queue.
type Intent struct {
	Key        string
	Symbol     string
	StrategyID string
	Side       common.Side
	Price      float64
	Reason     string
	ExitReason string
	AcceptedAt time.Time
}

// PendingSignal is the dedup record held while an intent is queued or in flight.
type PendingSignal struct {
	Key        string      `json:"key"`
	Symbol     string      `json:"symbol"`
	Side       common.Side `json:"side"`
	Reason     string      `json:"reason"`
	ExitReason string      `json:"exit_reason,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// sideOf maps a signal kind to an order side.
func sideOf(k strategy.Kind) common.Side {
	if k == strategy.Sell {
		return common.SideSell
	}
	return common.SideBuy
}

// isRiskExit reports whether a SELL came from a stop rule rather than the model.
func isRiskExit(exitReason string) bool {
	switch risk.ExitReason(exitReason) {
	case risk.ExitStopLoss, risk.ExitTakeProfit, risk.ExitTrailingStop:
		return true
	}
	return false
}
