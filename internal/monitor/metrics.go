package monitor

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	ordersProcessed  uint64
	orderFailures    uint64
	ticksProcessed   uint64
	signalsGenerated uint64
	signalsDropped   uint64
	disconnects      uint64
	errorsCount      uint64
	busDropped       uint64
	apiRequests      uint64
	apiErrors        uint64

	// Realized PnL since start, in micro quote units.
	realizedMicros int64
	closedTrades   uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are recomputed lazily after new samples arrive.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementOrders increments processed orders counter.
func (m *SystemMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersProcessed, 1)
}

func (m *SystemMetrics) IncrementOrderFailures() {
	atomic.AddUint64(&m.orderFailures, 1)
}

// IncrementTicks increments processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementSignals increments generated signals counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsGenerated, 1)
}

func (m *SystemMetrics) IncrementDrops() {
	atomic.AddUint64(&m.signalsDropped, 1)
}

func (m *SystemMetrics) IncrementDisconnects() {
	atomic.AddUint64(&m.disconnects, 1)
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// SetBusDropped stores the bus's running count of undelivered events.
func (m *SystemMetrics) SetBusDropped(n uint64) {
	atomic.StoreUint64(&m.busDropped, n)
}

// RecordRealized adds the PnL of a closed position.
func (m *SystemMetrics) RecordRealized(pnl float64) {
	atomic.AddInt64(&m.realizedMicros, int64(math.Round(pnl*1e6)))
	atomic.AddUint64(&m.closedTrades, 1)
}

// Snapshot returns current metrics snapshot.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	OrdersProcessed  uint64       `json:"orders_processed"`
	OrderFailures    uint64       `json:"order_failures"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	SignalsDropped   uint64       `json:"signals_dropped"`
	StreamDisconnect uint64       `json:"stream_disconnects"`
	ErrorsCount      uint64       `json:"errors_count"`
	BusDropped       uint64       `json:"bus_dropped"`
	ClosedTrades     uint64       `json:"closed_trades"`
	RealizedPnL      float64      `json:"realized_pnl"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		OrderFailures:    atomic.LoadUint64(&m.orderFailures),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		SignalsDropped:   atomic.LoadUint64(&m.signalsDropped),
		StreamDisconnect: atomic.LoadUint64(&m.disconnects),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		BusDropped:       atomic.LoadUint64(&m.busDropped),
		ClosedTrades:     atomic.LoadUint64(&m.closedTrades),
		RealizedPnL:      float64(atomic.LoadInt64(&m.realizedMicros)) / 1e6,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}
