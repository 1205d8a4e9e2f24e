package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"spot-core/internal/monitor"
)

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type performanceQuery struct {
	From string `form:"from"`
	To   string `form:"to"`
}

// window resolves [from, to) in UTC days; defaults to the last 30 days.
func (q performanceQuery) window(now time.Time) (time.Time, time.Time, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	to := today.Add(24 * time.Hour)
	from := to.AddDate(0, 0, -30)
	if q.From != "" {
		t, err := time.Parse("2006-01-02", q.From)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if q.To != "" {
		t, err := time.Parse("2006-01-02", q.To)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t.Add(24 * time.Hour)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getSystemStatus exposes runtime mode, streams and counters for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSettings(c.Request.Context()))
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.GetPositions(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "POSITIONS_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPendingSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPendingSignals(c.Request.Context()))
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	trades, err := s.Engine.GetRecentTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "TRADES_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, trades)
}

// getRiskMetrics returns today's realized risk counters.
func (s *Server) getRiskMetrics(c *gin.Context) {
	metrics, err := s.Engine.GetRiskMetrics(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// getPerformance returns realized pnl per day and the cumulative curve.
func (s *Server) getPerformance(c *gin.Context) {
	var q performanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	from, to, err := q.window(time.Now())
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	}
	perf, err := s.Engine.GetPerformance(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "PERFORMANCE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, perf)
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "spot_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "spot_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "spot_orders_executed_total %d\n", snapshot.OrdersProcessed)
	fmt.Fprintf(&b, "spot_orders_failed_total %d\n", snapshot.OrderFailures)
	fmt.Fprintf(&b, "spot_ticks_processed_total %d\n", snapshot.TicksProcessed)
	fmt.Fprintf(&b, "spot_signals_generated_total %d\n", snapshot.SignalsGenerated)
	fmt.Fprintf(&b, "spot_signals_dropped_total %d\n", snapshot.SignalsDropped)
	fmt.Fprintf(&b, "spot_stream_disconnects_total %d\n", snapshot.StreamDisconnect)
	fmt.Fprintf(&b, "spot_bus_dropped_total %d\n", snapshot.BusDropped)
	fmt.Fprintf(&b, "spot_errors_total %d\n", snapshot.ErrorsCount)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "spot_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "spot_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "spot_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "spot_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("order", snapshot.OrderLatency)

	fmt.Fprintf(&b, "spot_realized_pnl %f\n", snapshot.RealizedPnL)
	fmt.Fprintf(&b, "spot_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "spot_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	fmt.Fprintf(&b, "spot_heap_sys_bytes %d\n", snapshot.HeapSys)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
