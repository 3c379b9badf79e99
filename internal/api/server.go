// Package api serves the read-only status surface: health report,
// metrics and liveness. The sync daemon itself listens on nothing; this
// server runs as a separate command.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/api/handlers"
	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/health"
	"example.com/cardvault/services/sync/internal/metrics"
	"example.com/cardvault/services/sync/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	evaluator  *health.Evaluator
	metrics    *metrics.Metrics
	cache      *cache.RedisCache
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, evaluator *health.Evaluator, metricsCollector *metrics.Metrics, redisCache *cache.RedisCache, tracer tracing.Tracer) *Server {
	server := &Server{
		config:    cfg,
		evaluator: evaluator,
		metrics:   metricsCollector,
		cache:     redisCache,
		tracer:    tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	statusHandler := handlers.NewStatusHandler(s.evaluator, s.cache, s.tracer)
	statusHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting status API server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
