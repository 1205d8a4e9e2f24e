package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spot-core/internal/engine"
	"spot-core/internal/events"
	"spot-core/internal/monitor"
	"spot-core/pkg/logger"
)

// Server exposes the read-only query surface and the telemetry websocket.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics

	httpSrv *http.Server
	log     *zap.Logger
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics) *Server {
	r := gin.New()

	// request id first so the logger sees it; rate limiting runs inside the
	// logger so rejected requests are still counted
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware(20, 50))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		Metrics: metrics,
		log:     logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", s.getPromMetrics)

	// The websocket is long-lived; only the query routes get a deadline.
	api := s.Router.Group("/api")
	api.Use(DeadlineMiddleware(10 * time.Second))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/settings", s.getSettings)

		api.GET("/positions", s.getPositions)
		api.GET("/signals/pending", s.getPendingSignals)
		api.GET("/trades", s.getTrades)
		api.GET("/risk", s.getRiskMetrics)
		api.GET("/performance", s.getPerformance)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("api: listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
