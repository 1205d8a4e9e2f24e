package engine

import "time"

// Position is an open position with its mark-to-market view.
type Position struct {
	Key                  string    `json:"key"`
	StrategyID           string    `json:"strategy_id"`
	Symbol               string    `json:"symbol"`
	Quantity             float64   `json:"quantity"`
	EntryPrice           float64   `json:"entry_price"`
	HighestPrice         float64   `json:"highest_price"`
	CurrentPrice         float64   `json:"current_price"`
	UnrealizedPnL        float64   `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64   `json:"unrealized_pnl_percent"`
	TrailingStopPrice    float64   `json:"trailing_stop_price,omitempty"`
	OpenedAt             time.Time `json:"opened_at"`
}

// Trade is one row of trade history.
type Trade struct {
	ID              string     `json:"id"`
	Symbol          string     `json:"symbol"`
	StrategyID      string     `json:"strategy_id"`
	Side            string     `json:"side"`
	Price           float64    `json:"price"`
	Qty             float64    `json:"qty"`
	Total           float64    `json:"total"`
	Fee             float64    `json:"fee"`
	PnL             *float64   `json:"pnl,omitempty"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason"`
	ExitReason      string     `json:"exit_reason,omitempty"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
}

// RiskMetrics represents current risk metrics.
type RiskMetrics struct {
	Date           string  `json:"date"`
	DailyPnL       float64 `json:"daily_pnl"`
	DailyTrades    int     `json:"daily_trades"`
	DailyLosses    float64 `json:"daily_losses"`
	MaxDailyLoss   float64 `json:"max_daily_loss"`
	MaxDailyTrades int     `json:"max_daily_trades"`
	EntriesBlocked bool    `json:"entries_blocked"`
}

// Performance is realized PnL per UTC day.
type Performance struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Daily    []DailyPnL `json:"daily"`
	TotalPnL float64    `json:"total_pnl"`
}

// DailyPnL represents a single day's PnL.
type DailyPnL struct {
	Date   string  `json:"date"`
	PnL    float64 `json:"pnl"`
	Trades int     `json:"trades"`
	Equity float64 `json:"equity"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode             string          `json:"mode"`
	DryRun           bool            `json:"dry_run"`
	Venue            string          `json:"venue"`
	UseMockFeed      bool            `json:"use_mock_feed"`
	Version          string          `json:"version"`
	TradingEnabled   bool            `json:"trading_enabled"`
	Symbols          []string        `json:"symbols"`
	Streams          map[string]bool `json:"streams"`
	OpenPositions    int             `json:"open_positions"`
	PendingSignals   int             `json:"pending_signals"`
	SettingsLoadedAt time.Time       `json:"settings_loaded_at"`
	SettingsFailures uint64          `json:"settings_reload_failures"`
	TicksProcessed   uint64          `json:"ticks_processed"`
	TicksDropped     uint64          `json:"ticks_dropped"`
	ServerTime       time.Time       `json:"server_time"`
}
