package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/api/middleware"
	"github.com/neuralcloud/deployd/internal/api/rest"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/metrics"
	"github.com/neuralcloud/deployd/internal/ratelimit"
)

// Config holds the server configuration
type Config struct {
	Debug        bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MetricsPath  string // empty disables the Prometheus endpoint
	CORSOrigins  []string
	Auth         middleware.AuthConfig
	RateLimiter  ratelimit.Limiter // nil disables per-account limits
}

// Server wraps the HTTP server
type Server struct {
	config      Config
	coordinator deployment.Coordinator
	events      rest.EventSource
	httpServer  *http.Server
}

// New creates a new API server
func New(cfg Config, coordinator deployment.Coordinator, events rest.EventSource) *Server {
	return &Server{
		config:      cfg,
		coordinator: coordinator,
		events:      events,
	}
}

// Router builds the gin engine with middleware and every route
func (s *Server) Router() *gin.Engine {
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())
	router.Use(middleware.SetupCORS(s.config.CORSOrigins))

	var accountMiddleware []gin.HandlerFunc
	if s.config.RateLimiter != nil {
		accountMiddleware = append(accountMiddleware, middleware.RateLimit(s.config.RateLimiter))
	}
	rest.SetupRoutes(router, rest.NewHandler(s.coordinator, s.events), s.config.Auth, accountMiddleware...)

	if s.config.MetricsPath != "" {
		router.GET(s.config.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	return router
}

// Start initializes and starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	logger.Info("Starting API server",
		zap.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down API server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	return nil
}
