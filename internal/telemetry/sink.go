// Package telemetry forwards engine events from the bus to external stores.
package telemetry

import (
	"context"

	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/pkg/logger"
)

// Sink receives bus envelopes.
type Sink interface {
	Name() string
	Handle(ctx context.Context, env events.Envelope) error
	Close() error
}

// Run feeds sink from bus until ctx is done, then closes the sink. Handler
// errors are logged and never stop the loop.
func Run(ctx context.Context, bus *events.Bus, sink Sink, buffer int, topics ...events.Event) {
	log := logger.Named("telemetry").With(zap.String("sink", sink.Name()))
	feed, unsub := bus.Subscribe(buffer, topics...)
	defer unsub()
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("telemetry: close failed", zap.Error(err))
		}
	}()

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-feed:
			if !ok {
				return
			}
			if err := sink.Handle(ctx, env); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					log.Warn("telemetry: handle failed",
						zap.String("event", string(env.Event)),
						zap.Uint64("failures", failures),
						zap.Error(err))
				}
			}
		}
	}
}
