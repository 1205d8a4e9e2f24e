package settings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spot-core/pkg/logger"
)

// Reloader keeps the engine's cached Snapshot fresh. A failed or invalid fetch
// never replaces the last good snapshot.
type Reloader struct {
	fetcher  Fetcher
	interval time.Duration
	current  atomic.Pointer[Snapshot]
	log      *zap.Logger

	mu          sync.Mutex
	subscribers []func(Snapshot)
	failures    atomic.Uint64
}

// NewReloader creates a reloader polling fetcher every interval.
func NewReloader(fetcher Fetcher, interval time.Duration) *Reloader {
	return &Reloader{
		fetcher:  fetcher,
		interval: interval,
		log:      logger.Named("settings"),
	}
}

// OnChange registers fn to run after every successful swap, in registration order.
func (r *Reloader) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Init performs the first fetch. Failure here is fatal to startup.
func (r *Reloader) Init(ctx context.Context) (Snapshot, error) {
	snap, err := r.fetcher.FetchAll(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("initial settings fetch: %w", err)
	}
	r.swap(snap)
	return snap, nil
}

// Current returns the last good snapshot. It is only valid after Init.
func (r *Reloader) Current() Snapshot {
	if s := r.current.Load(); s != nil {
		return *s
	}
	return Snapshot{Bot: DefaultBot()}
}

// Failures reports how many reloads were rejected.
func (r *Reloader) Failures() uint64 {
	return r.failures.Load()
}

// Reload fetches once and swaps the snapshot on success.
func (r *Reloader) Reload(ctx context.Context) error {
	snap, err := r.fetcher.FetchAll(ctx)
	if err != nil {
		r.failures.Add(1)
		r.log.Warn("settings: reload failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	r.swap(snap)
	return nil
}

// Start polls until ctx is cancelled.
func (r *Reloader) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = r.Reload(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.log.Info("settings: reloader started", zap.Duration("interval", r.interval))
}

func (r *Reloader) swap(snap Snapshot) {
	r.current.Store(&snap)

	r.mu.Lock()
	subs := append([]func(Snapshot){}, r.subscribers...)
	r.mu.Unlock()

	r.log.Debug("settings: snapshot applied",
		zap.Int("coins", len(snap.Coins)),
		zap.Int("lot_sizes", len(snap.LotSizes)),
		zap.Bool("trading_enabled", snap.Bot.TradingEnabled))
	for _, fn := range subs {
		fn(snap)
	}
}
