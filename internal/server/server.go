package server

import (
	"context"
	"errors"
	"github.com/gin-gonic/gin"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"github/martinmaurice/spoolr/pkg/config"
	"github/martinmaurice/spoolr/pkg/env"
	"github/martinmaurice/spoolr/pkg/metrics"
	"github/martinmaurice/spoolr/pkg/rate_limiter"
	"github/martinmaurice/spoolr/pkg/reconciler"
	"github/martinmaurice/spoolr/pkg/store"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	DefaultGracefulShutdownTimeout = 10 * time.Second
)

type Server struct {
	port                  string
	readTimeoutInSeconds  time.Duration
	writeTimeoutInSeconds time.Duration
	maxHeaderBytes        int
	apiKeys               []string
	handler               *gin.Engine
	driver                *reconciler.Driver
	store                 store.Store
	limiter               rate_limiter.RateLimiter
	metrics               *metrics.Metrics
	metricsEnabled        bool
	metricsPath           string
	disableRateLimiter    bool
}

type Option func(s *Server)

func WithDisableRateLimiter(value bool) Option {
	return func(s *Server) {
		s.disableRateLimiter = value
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(envObj *env.Specification, cfg *config.Config, driver *reconciler.Driver, st store.Store, limiter rate_limiter.RateLimiter, opts ...Option) *Server {
	s := &Server{
		port:                  envObj.ServerPort,
		readTimeoutInSeconds:  envObj.ServerReadTimeoutInSecond,
		writeTimeoutInSeconds: envObj.ServerWriteTimeoutInSecond,
		maxHeaderBytes:        envObj.ServerMaxHeaderBytes,
		apiKeys:               envObj.ApiKeys,
		handler:               gin.New(),
		driver:                driver,
		store:                 st,
		limiter:               limiter,
		metricsEnabled:        cfg.Metrics.Enabled,
		metricsPath:           cfg.Metrics.Path,
		disableRateLimiter:    false,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// kindCost prices writes by the cost of their kind; everything else costs one token.
func (s *Server) kindCost(c *gin.Context) int {
	if kind, ok := s.driver.Kind(c.Param("kind")); ok {
		return kind.Cost
	}
	return 1
}

func (s *Server) routes() {
	s.handler.Use(gin.Recovery())
	s.handler.Use(middleware.QueueTimeMiddleware(s.metrics))

	s.handler.GET("/health", HealthHandler(s.driver, s.store))
	if s.metrics != nil && s.metricsEnabled {
		s.handler.GET(s.metricsPath, gin.WrapH(s.metrics.Handler()))
	}

	api := s.handler.Group("/")
	api.Use(middleware.AuthenticationMiddleware(s.apiKeys))
	if !s.disableRateLimiter {
		api.Use(middleware.RateLimitMiddleware(s.limiter, s.kindCost))
	}

	api.POST("/records/:kind", RecordsHandler(s.driver))
	api.POST("/reconcile", ReconcileHandler(s.driver))
	api.GET("/rate/:key", GetRateByKeyHandler(s.limiter))
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() {
	srv := &http.Server{
		Addr:           s.port,
		Handler:        s.handler,
		ReadTimeout:    s.readTimeoutInSeconds,
		WriteTimeout:   s.writeTimeoutInSeconds,
		MaxHeaderBytes: s.maxHeaderBytes,
	}

	go func() {
		slog.Info("server listening", "addr", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop // block until interrupt signal
	slog.Info("shutting down the server...")

	ctx, cancel := context.WithTimeout(context.Background(), DefaultGracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown :%v", err)
	}

	slog.Info("Server exited gracefully")
}
