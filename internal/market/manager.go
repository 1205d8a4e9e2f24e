// Package market maintains one price stream, bounded history and tick actor per
// subscribed symbol.
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/pkg/cache"
	"spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
)

// TickHandler processes one tick on the symbol's actor goroutine. history is
// a private copy, oldest first, ending with price.
type TickHandler func(symbol string, price float64, ts time.Time, history []float64)

// PositionHolder reports the symbols that currently have open positions.
type PositionHolder interface {
	Symbols() []string
}

// Config wires the manager. Only Source and Handler are required.
type Config struct {
	Source       TickSource
	Handler      TickHandler
	Positions    PositionHolder     // keeps unsubscribed symbols alive while held
	Prices       common.PriceSource // REST fallback for retained symbols
	Cache        *cache.PriceCache
	Bus          *events.Bus
	MaxHistory   int           // default 500
	Mailbox      int           // per symbol; default 256
	PollInterval time.Duration // retained-symbol poll; default 5s
	BackoffMin   time.Duration // default 500ms
	BackoffMax   time.Duration // default 30s
}

type tickMsg struct {
	price   float64
	ts      time.Time
	history []float64
}

type symbolState struct {
	symbol string

	mu      sync.Mutex
	history *History
	mailbox chan tickMsg
	closed  bool

	cancel    context.CancelFunc // stream; nil when retained
	connected atomic.Bool
}

// Manager owns every symbol's stream, history and actor. Actors run in
// parallel across symbols; within a symbol ticks are handled in arrival order.
type Manager struct {
	cfg    Config
	log    *zap.Logger
	poller *PricePoller

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	symbols map[string]*symbolState
	wg      sync.WaitGroup

	processed atomic.Uint64
	dropped   atomic.Uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = 256
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	log := logger.Named("market")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		log:     log,
		poller:  NewPricePoller(cfg.Prices, cfg.PollInterval, log),
		ctx:     ctx,
		cancel:  cancel,
		symbols: make(map[string]*symbolState),
	}
}

// Start binds the manager to ctx and runs the retained-symbol poller. Streams
// opened by Subscribe stop when ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	prev := m.cancel
	m.ctx = ctx
	m.cancel = func() {
		cancel()
		prev()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.poller.Run(ctx, m.retained, func(symbol string, price float64, ts time.Time) {
			m.OnTick(symbol, price, ts)
		})
	}()
}

// Subscribe starts streaming symbol. Calling it for a symbol that is already
// streaming is a no-op; a retained symbol resumes streaming with its history.
func (m *Manager) Subscribe(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("market: empty symbol")
	}
	if m.cfg.Source == nil {
		return fmt.Errorf("market: no tick source configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.symbols[symbol]
	if ok && st.cancel != nil {
		return nil
	}
	if !ok {
		st = m.addLocked(symbol)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	st.cancel = cancel
	m.wg.Add(1)
	go m.runStream(ctx, st)

	m.log.Info("market: subscribed", zap.String("symbol", symbol))
	return nil
}

// Unsubscribe stops the stream for symbol. While a position is open on it the
// history and actor are kept and prices come from the REST poller.
func (m *Manager) Unsubscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	if m.held(symbol) {
		m.log.Info("market: unsubscribed, retained for open position", zap.String("symbol", symbol))
		return
	}
	m.retireLocked(st)
}

// Sync subscribes every symbol in active and unsubscribes streaming symbols
// that are no longer listed. Symbols holding a position outside active are
// kept on a streamless actor fed by the price poller.
func (m *Manager) Sync(active []string) {
	want := make(map[string]bool, len(active))
	for _, s := range active {
		want[s] = true
		if err := m.Subscribe(s); err != nil {
			m.log.Warn("market: subscribe failed", zap.String("symbol", s), zap.Error(err))
		}
	}
	for _, s := range m.Symbols() {
		if !want[s] {
			m.Unsubscribe(s)
		}
	}
	if m.cfg.Positions == nil {
		return
	}
	for _, s := range m.cfg.Positions.Symbols() {
		if !want[s] {
			m.retain(s)
		}
	}
}

// retain starts an actor without a stream for symbol unless one exists.
func (m *Manager) retain(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbols[symbol]; ok {
		return
	}
	m.addLocked(symbol)
	m.log.Info("market: retained for open position", zap.String("symbol", symbol))
}

// addLocked registers symbol and starts its actor. m.mu must be held.
func (m *Manager) addLocked(symbol string) *symbolState {
	st := &symbolState{
		symbol:  symbol,
		history: NewHistory(m.cfg.MaxHistory),
		mailbox: make(chan tickMsg, m.cfg.Mailbox),
	}
	m.symbols[symbol] = st
	m.wg.Add(1)
	go m.runActor(st)
	return st
}

// OnTick records a price and hands it to the symbol's actor. It never blocks:
// a full mailbox drops the tick. Unknown symbols are ignored.
func (m *Manager) OnTick(symbol string, price float64, ts time.Time) bool {
	if price <= 0 {
		return false
	}
	m.mu.Lock()
	st, ok := m.symbols[symbol]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.cfg.Cache != nil {
		m.cfg.Cache.Set(symbol, price, ts)
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	st.history.Push(price)
	msg := tickMsg{price: price, ts: ts, history: st.history.Snapshot()}
	select {
	case st.mailbox <- msg:
		st.mu.Unlock()
	default:
		st.mu.Unlock()
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warn("market: actor mailbox full, tick dropped",
				zap.String("symbol", symbol), zap.Uint64("dropped_total", n))
		}
		return false
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.EventPriceTick, events.TickPayload{Symbol: symbol, Price: price, Time: ts})
	}
	return true
}

// Symbols lists streaming subscriptions, sorted.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbols))
	for s, st := range m.symbols {
		if st.cancel != nil {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Connected reports whether symbol's stream is currently up.
func (m *Manager) Connected(symbol string) bool {
	m.mu.Lock()
	st, ok := m.symbols[symbol]
	m.mu.Unlock()
	return ok && st.connected.Load()
}

// History returns a copy of symbol's price history.
func (m *Manager) History(symbol string) []float64 {
	m.mu.Lock()
	st, ok := m.symbols[symbol]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.Snapshot()
}

// Stats returns ticks processed by actors and ticks dropped at full mailboxes.
func (m *Manager) Stats() (processed, dropped uint64) {
	return m.processed.Load(), m.dropped.Load()
}

// Close stops every stream and actor and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	for _, st := range m.symbols {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		m.retireLocked(st)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) runActor(st *symbolState) {
	defer m.wg.Done()
	for msg := range st.mailbox {
		m.handle(st.symbol, msg)
	}
}

func (m *Manager) handle(symbol string, msg tickMsg) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("market: tick handler panic", zap.String("symbol", symbol), zap.Any("panic", r))
			if m.cfg.Bus != nil {
				m.cfg.Bus.Publish(events.EventError, events.ErrorPayload{
					Component: "market",
					Symbol:    symbol,
					Message:   fmt.Sprint(r),
				})
			}
		}
	}()
	m.processed.Add(1)
	if m.cfg.Handler != nil {
		m.cfg.Handler(symbol, msg.price, msg.ts, msg.history)
	}
}

// runStream keeps symbol's stream connected until ctx is done, reconnecting
// with capped exponential backoff.
func (m *Manager) runStream(ctx context.Context, st *symbolState) {
	defer m.wg.Done()
	b := &backoff.Backoff{Min: m.cfg.BackoffMin, Max: m.cfg.BackoffMax, Factor: 2, Jitter: true}

	for {
		ticks, err := m.cfg.Source.Stream(ctx, st.symbol)
		if err == nil {
			st.connected.Store(true)
			m.publishState(st.symbol, true, int(b.Attempt()), nil)
			b.Reset()
			for t := range ticks {
				m.OnTick(st.symbol, t.Price, t.Time)
			}
			st.connected.Store(false)
		}
		if ctx.Err() != nil {
			m.publishState(st.symbol, false, 0, nil)
			return
		}

		wait := b.Duration()
		m.publishState(st.symbol, false, int(b.Attempt()), err)
		m.log.Warn("market: stream disconnected, reconnecting",
			zap.String("symbol", st.symbol),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) publishState(symbol string, connected bool, attempt int, err error) {
	if m.cfg.Bus == nil {
		return
	}
	p := events.StreamStatePayload{Symbol: symbol, Connected: connected, Attempt: attempt}
	if err != nil {
		p.Error = err.Error()
	}
	m.cfg.Bus.Publish(events.EventStreamState, p)
}

// retained returns symbols kept only for their open positions and retires
// the ones whose positions have closed.
func (m *Manager) retained() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s, st := range m.symbols {
		if st.cancel != nil {
			continue
		}
		if !m.held(s) {
			m.retireLocked(st)
			continue
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) held(symbol string) bool {
	if m.cfg.Positions == nil {
		return false
	}
	for _, s := range m.cfg.Positions.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// retireLocked closes the actor and forgets symbol. m.mu must be held.
func (m *Manager) retireLocked(st *symbolState) {
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		close(st.mailbox)
	}
	st.mu.Unlock()
	delete(m.symbols, st.symbol)
	if m.cfg.Cache != nil {
		m.cfg.Cache.Delete(st.symbol)
	}
	m.log.Info("market: symbol retired", zap.String("symbol", st.symbol))
}
