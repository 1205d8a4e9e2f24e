package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spot-core/internal/monitor"
	"spot-core/pkg/logger"
)

const requestIDKey = "RequestID"

// clientLimiters hands out one token bucket per client IP. Buckets idle for
// longer than ttl are swept on access.
type clientLimiters struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimiters(limit rate.Limit, burst int, ttl time.Duration) *clientLimiters {
	return &clientLimiters{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*clientBucket),
	}
}

func (l *clientLimiters) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// RateLimitMiddleware rejects clients exceeding limit requests per second.
func RateLimitMiddleware(limit rate.Limit, burst int) gin.HandlerFunc {
	limiters := newClientLimiters(limit, burst, 5*time.Minute)
	log := logger.Named("api")
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.allow(ip, time.Now()) {
			log.Warn("api: rate limit exceeded", zap.String("ip", ip), zap.String("path", c.Request.URL.Path))
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware allows any origin to read; the API has no write routes.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Cache-Control, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID or assigns a fresh one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// DeadlineMiddleware bounds the request context. Query handlers pass it to
// the engine, whose database reads stop at the deadline.
func DeadlineMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger records API counters and latency and logs each request at debug.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	log := logger.Named("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		if metrics != nil {
			metrics.IncrementAPI()
			metrics.APILatency.RecordDuration(latency)
			if status >= http.StatusBadRequest {
				metrics.IncrementAPIErrors()
			}
		}
		log.Debug("api: request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()))
	}
}
