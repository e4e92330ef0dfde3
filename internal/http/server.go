// Package http serves the recall session over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/session"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
	"github.com/fyrsmithlabs/recall/internal/worker"
)

// Service is the session API the server exposes.
type Service interface {
	IngestDocument(ctx context.Context, filePath string, overrides map[string]any) (string, error)
	IngestText(ctx context.Context, content string, meta map[string]any) (string, error)
	Query(ctx context.Context, req session.QueryRequest) (*session.QueryResult, error)
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	GetStats(ctx context.Context) (*session.Stats, error)
	HealthCheck(ctx context.Context) (*session.Health, error)
	Reinitialize(ctx context.Context) (*session.Stats, error)
}

// Server provides HTTP endpoints for recall.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(service Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the response now so the status is logged.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger.Named("http"),
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/stats", s.handleStats)
	v1.POST("/query", s.handleQuery)
	v1.POST("/documents", s.handleIngest)
	v1.DELETE("/documents/:id", s.handleDelete)
	v1.POST("/reinitialize", s.handleReinitialize)
}

// handleHealth reports 503 only when a component is unhealthy; a degraded
// service still answers queries.
func (s *Server) handleHealth(c echo.Context) error {
	h, err := s.service.HealthCheck(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	status := http.StatusOK
	if h.Status == session.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.service.GetStats(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req session.QueryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	if req.TopK < 0 || req.MaxTokens < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "top_k and max_tokens cannot be negative")
	}

	res, err := s.service.Query(c.Request().Context(), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid ingest request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if (req.Path == "") == (req.Content == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of path or content is required")
	}

	ctx := c.Request().Context()
	var (
		id  string
		err error
	)
	if req.Path != "" {
		id, err = s.service.IngestDocument(ctx, req.Path, req.Metadata)
	} else {
		id, err = s.service.IngestText(ctx, req.Content, req.Metadata)
	}
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, IngestResponse{DocumentID: id})
}

func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")
	deleted, err := s.service.DeleteDocument(c.Request().Context(), id)
	if err != nil {
		return s.httpError(err)
	}
	status := http.StatusOK
	if !deleted {
		status = http.StatusNotFound
	}
	return c.JSON(status, DeleteResponse{DocumentID: id, Deleted: deleted})
}

// handleReinitialize answers with the stats after the attempt; state tells
// whether the primary is serving again.
func (s *Server) handleReinitialize(c echo.Context) error {
	st, err := s.service.Reinitialize(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// httpError maps session and worker errors onto status codes. Internal
// failures are logged and reported without detail.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, vectorstore.ErrInvalidInput),
		errors.Is(err, vectorstore.ErrInvalidTopK),
		errors.Is(err, ingest.ErrEmptyDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	case errors.Is(err, worker.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, worker.ErrStopped), errors.Is(err, vectorstore.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable")
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
