// Package engine exposes the running trading core to the API layer and wires
// the per-tick pipeline between the market streams, the signal engine, the
// position ledger and the executor.
package engine

import (
	"context"
	"time"

	"spot-core/internal/order"
	"spot-core/internal/settings"
)

// Service is the read-only surface the API layer talks to.
type Service interface {
	// Positions & signals
	GetPositions(ctx context.Context) ([]Position, error)
	GetPendingSignals(ctx context.Context) []order.PendingSignal

	// Trade history
	GetRecentTrades(ctx context.Context, limit int) ([]Trade, error)

	// Risk & performance
	GetRiskMetrics(ctx context.Context) (*RiskMetrics, error)
	GetPerformance(ctx context.Context, from, to time.Time) (*Performance, error)

	// Settings
	GetSettings(ctx context.Context) settings.Snapshot

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
