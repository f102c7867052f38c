// Package http serves the recalld REST API, the health and metrics
// endpoints and, when configured, the MCP streamable HTTP transport.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/services"
)

// maxBodySize caps request bodies. Documents larger than this should be
// split by the caller.
const maxBodySize = "8M"

// Server provides HTTP endpoints for recalld.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// ReconcileAge is the default minimum age of pending documents picked
	// up by POST /api/v1/admin/reconcile.
	ReconcileAge time.Duration
}

type serverOptions struct {
	mcp   http.Handler
	meter metric.Meter
}

// Option configures NewServer.
type Option func(*serverOptions)

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(o *serverOptions) { o.mcp = h }
}

// WithMeter records HTTP metrics on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(o *serverOptions) { o.meter = m }
}

// NewServer creates a new HTTP server over the services in reg.
func NewServer(reg services.Registry, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if reg == nil || reg.Ingest() == nil || reg.Retrieval() == nil || reg.Store() == nil {
		return nil, errors.New("services registry with ingest, retrieval and store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9191}
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		services: reg,
		logger:   logger,
		config:   cfg,
	}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(requestContext)
	e.Use(s.logRequests)
	e.Use(NewHTTPMetrics(o.meter, logger).MetricsMiddleware())

	s.registerRoutes(o.mcp)
	return s, nil
}

// requestContext carries the request id into the request context so
// pipeline logs can be correlated with access logs.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) registerRoutes(mcp http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if mcp != nil {
		s.echo.Any("/mcp", echo.WrapHandler(mcp))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleCreateDocument)
	v1.PUT("/documents/:id", s.handleReplaceDocument)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.POST("/search", s.handleSearch)
	v1.POST("/admin/reconcile", s.handleReconcile)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
