package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/pkg/logger"
)

// Monitor folds bus events into SystemMetrics and raises alerts for engine
// errors and stream disconnects.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Alerts  AlertSink
}

// Start consumes the bus until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.Named("monitor")
	if m.Bus == nil || m.Metrics == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(1024)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if msg, alert := m.Observe(env); alert && m.Alerts != nil {
					if err := m.Alerts.Send(formatAlert(env.At, msg)); err != nil {
						log.Warn("monitor: alert delivery failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// Observe records env and reports whether it warrants an alert.
func (m *Monitor) Observe(env events.Envelope) (string, bool) {
	m.Metrics.SetBusDropped(m.Bus.Dropped())
	switch p := env.Payload.(type) {
	case events.TickPayload:
		m.Metrics.IncrementTicks()
	case events.SignalPayload:
		m.Metrics.IncrementSignals()
	case events.TradePayload:
		m.Metrics.OrderLatency.Record(p.Latency)
		if env.Event == events.EventTradeFailed {
			m.Metrics.IncrementOrderFailures()
			return fmt.Sprintf("%s %s order failed: %s", p.Side, p.Symbol, p.Reason), true
		}
		m.Metrics.IncrementOrders()
	case events.DropPayload:
		m.Metrics.IncrementDrops()
	case events.PositionPayload:
		if env.Event == events.EventPositionClosed {
			m.Metrics.RecordRealized(p.RealizedPnL)
		}
	case events.StreamStatePayload:
		if !p.Connected {
			m.Metrics.IncrementDisconnects()
			if p.Attempt > 0 {
				return fmt.Sprintf("%s stream disconnected (attempt %d): %s", p.Symbol, p.Attempt, p.Error), true
			}
		}
	case events.ErrorPayload:
		m.Metrics.IncrementErrors()
		return fmt.Sprintf("%s error on %s: %s", p.Component, p.Symbol, p.Message), true
	}
	return "", false
}

func formatAlert(at time.Time, msg string) string {
	return "[" + at.Format(time.RFC3339) + "] " + msg
}
