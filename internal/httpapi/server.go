// Package httpapi provides the HTTP API for indexd.
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/collections"
	"github.com/havenhealth/indexd/internal/jobs"
)

// tokenHeader carries the shared secret for mutating endpoints.
const tokenHeader = "X-Indexd-Token"

// Submitter enqueues background jobs.
type Submitter interface {
	Submit(ctx context.Context, job jobs.Job) (*jobs.Handle, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// AuthToken guards the job submission endpoints. When empty the
	// endpoints are open, which is only acceptable in development.
	AuthToken string `koanf:"auth_token"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Server provides HTTP endpoints for indexd.
type Server struct {
	echo      *echo.Echo
	submitter Submitter
	logger    *zap.Logger
	config    *Config
}

// NewServer creates a new HTTP server.
func NewServer(submitter Submitter, logger *zap.Logger, cfg *Config) (*Server, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		submitter: submitter,
		logger:    logger,
		config:    cfg,
	}

	if cfg.AuthToken == "" {
		logger.Warn("auth token not configured, job submission endpoints are unprotected")
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.requireToken)
	v1.POST("/traditions/:tradition/rebuild", s.handleRebuild)
	v1.POST("/traditions/:tradition/entries/:id/index", s.handleIndexEntry)
}

// requireToken rejects requests whose token header does not match the
// configured secret. Comparison is constant time.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AuthToken == "" {
			return next(c)
		}
		token := c.Request().Header.Get(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}
		return next(c)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IndexEntryRequest is the request body for entry indexing.
type IndexEntryRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRebuild enqueues a full rebuild of a tradition's knowledge
// collection and returns a job handle.
func (s *Server) handleRebuild(c echo.Context) error {
	tradition := collections.NormalizeTradition(c.Param("tradition"))
	if err := collections.ValidateTradition(tradition); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	handle, err := s.submitter.Submit(c.Request().Context(), jobs.Job{
		Type:      jobs.TypeRebuildTradition,
		Tradition: tradition,
	})
	if err != nil {
		s.logger.Error("submitting rebuild job failed",
			zap.String("tradition", tradition),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job queue unavailable")
	}

	return c.JSON(http.StatusAccepted, handle)
}

// handleIndexEntry enqueues indexing of a single journal entry.
func (s *Server) handleIndexEntry(c echo.Context) error {
	tradition := collections.NormalizeTradition(c.Param("tradition"))
	if err := collections.ValidateTradition(tradition); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entryID := c.Param("id")
	if entryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entry id is required")
	}

	var req IndexEntryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid index request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}

	handle, err := s.submitter.Submit(c.Request().Context(), jobs.Job{
		Type:      jobs.TypeIndexEntry,
		Tradition: tradition,
		EntryID:   entryID,
		UserID:    req.UserID,
	})
	if err != nil {
		s.logger.Error("submitting index job failed",
			zap.String("tradition", tradition),
			zap.String("entry_id", entryID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job queue unavailable")
	}

	return c.JSON(http.StatusAccepted, handle)
}

// Echo exposes the underlying router for additional route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
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
