package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/pkg/logger"
)

// InfluxTopics are the events worth keeping as time series.
var InfluxTopics = []events.Event{
	events.EventSignal,
	events.EventTradeExecuted,
	events.EventTradeFailed,
	events.EventSignalDropped,
	events.EventPositionClosed,
	events.EventStreamState,
}

// InfluxConfig locates the bucket trade telemetry is written to.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes trades, signals and position closes as points.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *zap.Logger
	done     chan struct{}
}

// NewInfluxSink connects and checks server health.
func NewInfluxSink(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := client.Health(hctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb not healthy: %+v", health)
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      logger.Named("influx"),
		done:     make(chan struct{}),
	}
	go s.drainErrors()
	return s, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

// Handle queues a point; the write API batches and flushes in the background.
func (s *InfluxSink) Handle(_ context.Context, env events.Envelope) error {
	if p := pointFor(env); p != nil {
		s.writeAPI.WritePoint(p)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	<-s.done
	return nil
}

// drainErrors logs asynchronous write failures until the client closes.
func (s *InfluxSink) drainErrors() {
	defer close(s.done)
	for err := range s.writeAPI.Errors() {
		s.log.Warn("influx: write failed", zap.Error(err))
	}
}

// pointFor maps an envelope to a point, or nil for events not stored.
func pointFor(env events.Envelope) *write.Point {
	switch p := env.Payload.(type) {
	case events.TradePayload:
		fields := map[string]interface{}{
			"price":      p.Price,
			"qty":        p.Qty,
			"fee":        p.Fee,
			"latency_ms": p.Latency,
		}
		if p.PnL != nil {
			fields["pnl"] = *p.PnL
		}
		return influxdb2.NewPoint("trades",
			map[string]string{"symbol": p.Symbol, "strategy": p.StrategyID, "side": p.Side, "status": p.Status},
			fields, stamp(p.Time, env.At))
	case events.SignalPayload:
		tags := map[string]string{"symbol": p.Symbol, "strategy": p.StrategyID, "kind": p.Kind, "reason": p.Reason}
		if p.ExitReason != "" {
			tags["exit_reason"] = p.ExitReason
		}
		return influxdb2.NewPoint("signals", tags, map[string]interface{}{"price": p.Price}, stamp(p.Time, env.At))
	case events.DropPayload:
		return influxdb2.NewPoint("signal_drops",
			map[string]string{"symbol": p.Symbol, "strategy": p.StrategyID, "side": p.Side},
			map[string]interface{}{"reason": p.Reason}, env.At)
	case events.PositionPayload:
		if env.Event != events.EventPositionClosed {
			return nil
		}
		return influxdb2.NewPoint("positions",
			map[string]string{"symbol": p.Symbol, "strategy": p.StrategyID, "exit_reason": p.ExitReason},
			map[string]interface{}{
				"qty":          p.Qty,
				"entry_price":  p.EntryPrice,
				"exit_price":   p.ExitPrice,
				"realized_pnl": p.RealizedPnL,
			}, stamp(p.Time, env.At))
	case events.StreamStatePayload:
		return influxdb2.NewPoint("streams",
			map[string]string{"symbol": p.Symbol},
			map[string]interface{}{"connected": p.Connected, "attempt": p.Attempt}, env.At)
	}
	return nil
}

func stamp(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
