package order

import (
	"time"

	"spot-core/internal/events"
	"spot-core/internal/state"
)

func (e *Executor) publishDrop(it Intent, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventSignalDropped, events.DropPayload{
		Symbol:     it.Symbol,
		StrategyID: it.StrategyID,
		Side:       string(it.Side),
		Reason:     err.Error(),
	})
}

func (e *Executor) publishTrade(ev events.Event, t events.TradePayload) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev, t)
}

func (e *Executor) publishOpened(p state.Position) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventPositionOpened, events.PositionPayload{
		Key:        p.Key,
		Symbol:     p.Symbol,
		StrategyID: p.StrategyID,
		Qty:        p.Qty,
		EntryPrice: p.EntryPrice,
		Time:       p.OpenedAt,
	})
}

func (e *Executor) publishClosed(c state.Closed, exitReason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventPositionClosed, events.PositionPayload{
		Key:         c.Key,
		Symbol:      c.Symbol,
		StrategyID:  c.StrategyID,
		Qty:         c.ExitQty,
		EntryPrice:  c.EntryPrice,
		ExitPrice:   c.ExitPrice,
		RealizedPnL: c.RealizedPnL,
		ExitReason:  exitReason,
		Time:        c.ClosedAt,
	})
}

func (e *Executor) publishError(symbol string, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventError, events.ErrorPayload{
		Component: "executor",
		Symbol:    symbol,
		Message:   err.Error(),
	})
}

func latencyMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
