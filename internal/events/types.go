package events

import "time"

// Event enumerates the telemetry topics published by the engine.
type Event string

const (
	EventPriceTick       Event = "price.tick"
	EventSignal          Event = "signal.generated"
	EventTradeExecuted   Event = "trade.executed"
	EventTradeFailed     Event = "trade.failed"
	EventSignalDropped   Event = "signal.dropped"
	EventPositionOpened  Event = "position.opened"
	EventPositionClosed  Event = "position.closed"
	EventStreamState     Event = "stream.state"
	EventSettingsUpdated Event = "settings.updated"
	EventError           Event = "engine.error"
)

// SignalPayload is published for every accepted BUY/SELL signal.
type SignalPayload struct {
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Kind       string    `json:"kind"`
	Price      float64   `json:"price"`
	Reason     string    `json:"reason"`
	ExitReason string    `json:"exit_reason,omitempty"`
	Time       time.Time `json:"time"`
}

// TradePayload describes an executed or failed trade attempt.
type TradePayload struct {
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	Fee        float64   `json:"fee"`
	PnL        *float64  `json:"pnl,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Latency    float64   `json:"latency_ms"`
	Time       time.Time `json:"time"`
}

// PositionPayload describes an opened or closed position.
type PositionPayload struct {
	Key         string    `json:"key"`
	Symbol      string    `json:"symbol"`
	StrategyID  string    `json:"strategy_id"`
	Qty         float64   `json:"qty"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	Time        time.Time `json:"time"`
}

// DropPayload explains why an accepted signal never reached the exchange.
type DropPayload struct {
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategy_id"`
	Side       string `json:"side"`
	Reason     string `json:"reason"`
}

// StreamStatePayload reports stream connectivity per symbol.
type StreamStatePayload struct {
	Symbol    string `json:"symbol"`
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TickPayload is a normalized price tick.
type TickPayload struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// ErrorPayload carries an engine error for the UI/logging layer.
type ErrorPayload struct {
	Component string `json:"component"`
	Symbol    string `json:"symbol,omitempty"`
	Message   string `json:"message"`
}

// SettingsPayload is published after a settings snapshot is swapped in.
type SettingsPayload struct {
	ActiveSymbols  []string  `json:"active_symbols"`
	TradingEnabled bool      `json:"trading_enabled"`
	LotSizes       int       `json:"lot_sizes"`
	FetchedAt      time.Time `json:"fetched_at"`
}
