// Package api serves the scanner's admin endpoints: health, Prometheus
// metrics, state inspection, run reports, a manual run trigger and the
// WebSocket digest feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-radar/internal/metrics"
	"signal-radar/internal/model"
	"signal-radar/internal/pipeline"
)

// Config holds server configuration.
type Config struct {
	Addr            string        `yaml:"addr" default:":9090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// Runner is the part of the pipeline the API drives.
type Runner interface {
	Run(ctx context.Context) (*pipeline.RunReport, error)
	LastReport() *pipeline.RunReport
	Running() bool
	Buckets() []model.ChannelBucket
	DedupSize() int
}

// Server wraps an Echo instance.
type Server struct {
	echo *echo.Echo
	cfg  Config

	runner   Runner
	health   *metrics.HealthStatus
	gatherer prometheus.Gatherer
	feed     http.Handler

	runCtx context.Context
}

// Option configures Server.
type Option func(*Server)

// WithFeed mounts the WebSocket digest feed at /ws.
func WithFeed(h http.Handler) Option {
	return func(s *Server) { s.feed = h }
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer builds the admin server. Manual runs triggered over HTTP use
// runCtx, so they stop when the process shuts down.
func NewServer(runCtx context.Context, cfg Config, runner Runner, health *metrics.HealthStatus, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:     e,
		cfg:      cfg,
		runner:   runner,
		health:   health,
		gatherer: prometheus.DefaultGatherer,
		runCtx:   runCtx,
	}
	for _, o := range opts {
		o(s)
	}

	e.Use(recoverMiddleware())
	e.Use(requestLogging())
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.feed != nil {
		e.GET("/ws", echo.WrapHandler(s.feed))
	}

	g := e.Group("/api/v1")
	g.GET("/health", s.handleHealth)
	g.GET("/state/buckets", s.handleBuckets)
	g.GET("/state/dedup", s.handleDedup)
	g.GET("/runs/last", s.handleLastRun)
	g.POST("/runs", s.handleTriggerRun)
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler { return s.echo }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("[api] listening", "addr", s.cfg.Addr)
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[api] server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	slog.Info("[api] stopped")
	return nil
}

func recoverMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[api] panic", "panic", r, "path", c.Path(), "stack", string(debug.Stack()))
					err = c.JSON(http.StatusInternalServerError, envelope{
						Status:  http.StatusInternalServerError,
						Message: http.StatusText(http.StatusInternalServerError),
					})
				}
			}()
			return next(c)
		}
	}
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Debug("[api] request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"took", time.Since(start),
			)
			return nil
		}
	}
}
