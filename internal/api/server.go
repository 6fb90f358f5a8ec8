package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/ingest"
	"github.com/smukkama/implant-monitor/internal/notify"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/query"
	"github.com/smukkama/implant-monitor/pkg/config"
)

// Ingester accepts readings at the HTTP boundary
type Ingester interface {
	Ingest(ctx context.Context, p protocol.ReadingPayload) (*ingest.Result, error)
}

// Subscriber registers realtime refresh handlers
type Subscriber interface {
	Subscribe(topic notify.Topic, name string, handler notify.Handler) (func(), error)
}

// Server is the dashboard HTTP API
type Server struct {
	cfg        config.HTTPConfig
	engine     *gin.Engine
	ingester   Ingester
	queries    *query.Service
	subscriber Subscriber
	logger     *zap.Logger
	now        func() time.Time
	startedAt  time.Time
}

// NewServer wires the routes. subscriber may be nil, which disables /api/stream.
func NewServer(cfg config.HTTPConfig, ingester Ingester, queries *query.Service, subscriber Subscriber, logger *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	s := &Server{
		cfg:        cfg,
		engine:     engine,
		ingester:   ingester,
		queries:    queries,
		subscriber: subscriber,
		logger:     logger,
		now:        time.Now,
		startedAt:  time.Now(),
	}

	engine.Use(gin.Recovery(), s.requestLogger(), cors())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.getHealth)

	api.POST("/measurements", s.postMeasurement)
	api.GET("/measurements", s.getMeasurements)

	api.GET("/patients", s.getPatients)
	api.GET("/patients/:id/status", s.getPatientStatus)
	api.GET("/patients/:id/series", s.getPatientSeries)
	api.GET("/patients/:id/export", s.getPatientExport)

	api.GET("/events", s.getEvents)

	api.GET("/stream", s.handleStream)
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
