package strategy

import (
	"spot-core/internal/indicators"
	"spot-core/internal/settings"
)

// Evaluate applies the moving-average threshold model to history. It is pure:
// symbol, strategy and timestamp are left for the caller to fill in.
//
// BUY when (maShort-maLong)/maLong*100 >= threshold, SELL when it is
// <= -threshold, HOLD otherwise or while history is shorter than maLong.
func Evaluate(history []float64, cfg settings.StrategyConfig) Signal {
	sig := Signal{Kind: Hold}
	if len(history) > 0 {
		sig.Price = history[len(history)-1]
	}
	if cfg.MALong <= 0 || len(history) < cfg.MALong {
		sig.Reason = ReasonInsufficientHistory
		return sig
	}

	sig.MAShort = indicators.SMA(history, cfg.MAShort)
	sig.MALong = indicators.SMA(history, cfg.MALong)
	sig.DiffPct = indicators.PercentDiff(sig.MAShort, sig.MALong)

	switch {
	case sig.MALong == 0:
		sig.Reason = ReasonInsufficientHistory
	case sig.DiffPct >= cfg.SignalThreshold:
		sig.Kind = Buy
		sig.Reason = ReasonCrossUp
	case sig.DiffPct <= -cfg.SignalThreshold:
		sig.Kind = Sell
		sig.Reason = ReasonCrossDown
	default:
		sig.Reason = ReasonWithinThreshold
	}
	return sig
}
