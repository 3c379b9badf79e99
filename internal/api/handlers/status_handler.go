package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/internal/cache"
	"example.com/cardvault/services/sync/internal/health"
	"example.com/cardvault/services/sync/internal/tracing"
)

const reportCacheTTL = 10 * time.Second

// StatusHandler serves the sync health report
type StatusHandler struct {
	evaluator *health.Evaluator
	cache     *cache.RedisCache
	tracer    tracing.Tracer
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(evaluator *health.Evaluator, redisCache *cache.RedisCache, tracer tracing.Tracer) *StatusHandler {
	return &StatusHandler{
		evaluator: evaluator,
		cache:     redisCache,
		tracer:    tracer,
	}
}

// HandleGetStatus computes the red/yellow/green report. The last report
// is cached briefly so dashboards polling in lockstep do not multiply
// the aggregation queries.
func (h *StatusHandler) HandleGetStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-sync-status")
	defer h.tracer.EndTransaction(txn)

	var cached health.Report
	if h.cache != nil && h.cache.Get(c.Request.Context(), cache.HealthReportKey(), &cached) == nil {
		c.JSON(statusCode(cached.Status), cached)
		return
	}

	report, err := h.evaluator.Evaluate(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to evaluate sync health")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health evaluation failed"})
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(c.Request.Context(), cache.HealthReportKey(), report, reportCacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache health report")
		}
	}

	c.JSON(statusCode(report.Status), report)
}

// statusCode maps the traffic light onto HTTP so load balancers and
// uptime checks can read the verdict without parsing the body.
func statusCode(s health.Status) int {
	if s == health.StatusRed {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// RegisterRoutes registers the handler's routes
func (h *StatusHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/status", h.HandleGetStatus)
}
