// Package api serves the read side of the pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/adapters/source"
	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/logger"
	"github.com/selivandex/market-etl/pkg/models"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	checkTimeout = 2 * time.Second
)

// Dispatcher starts an ingestion run in the background.
// It returns source.ErrUnknownSource for ids it does not know and
// ingestion.ErrRunInProgress when a run of that source is already queued.
type Dispatcher interface {
	Dispatch(sourceID string) error
}

// Check reports whether one dependency is ready
type Check func(ctx context.Context) error

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// PageMetadata describes a /data page
type PageMetadata struct {
	Page      int     `json:"page"`
	Limit     int     `json:"limit"`
	LatencyMS float64 `json:"latency_ms"`
}

// DataResponse is the /data envelope
type DataResponse struct {
	Metadata PageMetadata             `json:"metadata"`
	Data     []*models.CanonicalAsset `json:"data"`
}

// PipelineStatus is the public view of one checkpoint
type PipelineStatus struct {
	Source  string           `json:"source"`
	LastRun time.Time        `json:"last_run"`
	Status  models.RunStatus `json:"status"`
	Offset  int64            `json:"offset"`
}

// StatsResponse is the /stats body
type StatsResponse struct {
	TotalRecordsProcessed int64            `json:"total_records_processed"`
	Pipelines             []PipelineStatus `json:"pipelines"`
}

// TriggerResponse acknowledges a dispatched run
type TriggerResponse struct {
	Status string `json:"status"`
	Source string `json:"source"`
}

type dataQuery struct {
	Page   int    `form:"page"`
	Limit  int    `form:"limit"`
	Source string `form:"source"`
}

// Handler implements the read API endpoints
type Handler struct {
	store      storage.ReadStore
	dispatcher Dispatcher
	checks     map[string]Check
	startTime  time.Time
	ready      atomic.Bool
}

// NewHandler creates new API handler. checks are run by /ready in addition to the store ping.
func NewHandler(store storage.ReadStore, dispatcher Dispatcher, checks map[string]Check) *Handler {
	h := &Handler{
		store:      store,
		dispatcher: dispatcher,
		checks:     map[string]Check{"database": store.Ping},
		startTime:  time.Now(),
	}
	for name, check := range checks {
		h.checks[name] = check
	}
	return h
}

// SetReady marks whether startup has completed
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
	if ready {
		logger.Info("service marked as ready")
	} else {
		logger.Warn("service marked as not ready")
	}
}

// GetData handles GET /data
func (h *Handler) GetData(c *gin.Context) {
	started := time.Now()

	q := dataQuery{Page: 1, Limit: defaultLimit}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "page and limit must be integers"})
		return
	}
	if q.Page < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "page must be >= 1"})
		return
	}
	if q.Limit < 1 || q.Limit > maxLimit {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 100"})
		return
	}

	assets, err := h.store.ListCanonical(c.Request.Context(), storage.CanonicalQuery{
		Page:   q.Page,
		Limit:  q.Limit,
		Source: q.Source,
	})
	if err != nil {
		logger.Error("failed to list canonical data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load data"})
		return
	}
	if assets == nil {
		assets = []*models.CanonicalAsset{}
	}

	c.JSON(http.StatusOK, DataResponse{
		Metadata: PageMetadata{
			Page:      q.Page,
			Limit:     q.Limit,
			LatencyMS: latencyMS(time.Since(started)),
		},
		Data: assets,
	})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := h.store.CountCanonical(ctx)
	if err != nil {
		logger.Error("failed to count canonical data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load stats"})
		return
	}

	checkpoints, err := h.store.ListCheckpoints(ctx)
	if err != nil {
		logger.Error("failed to list checkpoints", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load stats"})
		return
	}

	pipelines := make([]PipelineStatus, 0, len(checkpoints))
	for _, cp := range checkpoints {
		pipelines = append(pipelines, PipelineStatus{
			Source:  cp.SourceID,
			LastRun: cp.LastRunAt,
			Status:  cp.Status,
			Offset:  cp.Cursor,
		})
	}

	c.JSON(http.StatusOK, StatsResponse{
		TotalRecordsProcessed: total,
		Pipelines:             pipelines,
	})
}

// TriggerETL handles GET /trigger-etl
func (h *Handler) TriggerETL(c *gin.Context) {
	sourceID := c.Query("source")
	if sourceID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "source is required"})
		return
	}

	err := h.dispatcher.Dispatch(sourceID)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrUnknownSource):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown source " + sourceID})
		return
	case errors.Is(err, ingestion.ErrRunInProgress):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "run already in progress for " + sourceID})
		return
	default:
		logger.Error("failed to dispatch run", zap.String("source", sourceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to dispatch run"})
		return
	}

	logger.Info("ingestion run dispatched", zap.String("source", sourceID))
	c.JSON(http.StatusAccepted, TriggerResponse{Status: "accepted", Source: sourceID})
}

// Health handles the liveness check. It answers 200 while the process is up.
func (h *Handler) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Ready handles the readiness check
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		results[name] = "healthy"
	}

	ready := h.ready.Load() && healthy
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(status, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    results,
	})
}

func latencyMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
