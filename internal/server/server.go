// Package server exposes sync and lifecycle ingest over HTTP.
//
// Routes:
//
//	POST /graphql, GET /graphql   sync query (GraphQL-shaped)
//	POST /hooks                   lifecycle events, one unit of work per request
//	GET  /metrics                 Prometheus
//	GET  /healthz                 liveness, with an optional store check
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/metrics"
	"github.com/roach88/changefeed/internal/resolver"
	"github.com/roach88/changefeed/internal/tracker"
)

// DefaultSyncTimeout bounds one sync request.
const DefaultSyncTimeout = 30 * time.Second

// Config configures the HTTP server.
type Config struct {
	Addr        string
	SyncTimeout time.Duration
	Debug       bool
}

// Server serves the changefeed HTTP API.
type Server struct {
	cfg      Config
	resolver *resolver.Resolver
	tracker  *tracker.Tracker
	hooks    tracker.Lifecycle
	health   func(ctx context.Context) error
	logger   *zap.Logger
	engine   *gin.Engine
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithHealthCheck sets the check run by /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// WithLifecycle replaces the hooks the ingest endpoint calls.
func WithLifecycle(l tracker.Lifecycle) Option {
	return func(s *Server) { s.hooks = l }
}

// New creates a Server. Routes are registered immediately; call Run to listen.
func New(cfg Config, res *resolver.Resolver, tr *tracker.Tracker, opts ...Option) *Server {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	s := &Server{
		cfg:      cfg,
		resolver: res,
		tracker:  tr,
		hooks:    tracker.NewHooks(tr.Registry()),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	router.POST("/graphql", s.handleGraphQL)
	router.GET("/graphql", s.handleGraphQL)

	ingest := router.Group("/hooks", UnitOfWork(s.tracker, s.logger))
	ingest.POST("", s.handleHooks)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", s.handleHealth)
	return router
}

// Run listens on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

// writeJSON encodes v with go-json.
func writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, "encode response: %v", err)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}
