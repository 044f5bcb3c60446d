// Package api exposes the fleet over HTTP: task submission, result lookup,
// the observer's fleet view, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/observer"
	"fleet-dispatcher/internal/scheduler"
	"fleet-dispatcher/internal/storage"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TaskSubmitter interface {
	Submit(ctx context.Context, rec types.TaskRecord) (*types.Task, error)
}

type FleetView interface {
	View() observer.View
	Worker(id string) (types.WorkerRecord, bool)
}

type DepthReader interface {
	Len() int
}

// FleetStatus is the body of GET /api/v1/fleet.
type FleetStatus struct {
	observer.View
	QueueDepth int `json:"queue_depth"`
}

type Handler struct {
	submitter   TaskSubmitter
	fleet       FleetView
	queue       DepthReader
	results     storage.ResultStore
	healthCheck *monitoring.HealthChecker
	logger      *zap.Logger
}

func NewHandler(
	submitter TaskSubmitter,
	fleet FleetView,
	queue DepthReader,
	results storage.ResultStore,
	healthCheck *monitoring.HealthChecker,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		submitter:   submitter,
		fleet:       fleet,
		queue:       queue,
		results:     results,
		healthCheck: healthCheck,
		logger:      logger.With(zap.String("component", "api")),
	}
}

func (h *Handler) SubmitTask(c *gin.Context) {
	var req types.TaskSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	rec := types.TaskRecord{
		TaskID:   req.TaskID,
		Data:     req.Data,
		Priority: req.Priority,
	}
	if req.Location != "" {
		rec.Location = types.StringPtr(req.Location)
	}

	ctx := c.Request.Context()

	// Ids already recorded by a previous run live only in the result store.
	if req.TaskID != "" {
		_, err := h.results.Get(ctx, req.TaskID)
		switch {
		case err == nil:
			c.JSON(http.StatusConflict, gin.H{"error": "Task already exists", "task_id": req.TaskID})
			return
		case !errors.Is(err, storage.ErrNotFound):
			h.logger.Error("Failed to check task id", zap.String("task_id", req.TaskID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check task id"})
			return
		}
	}

	task, err := h.submitter.Submit(ctx, rec)
	if errors.Is(err, scheduler.ErrDuplicateTask) {
		c.JSON(http.StatusConflict, gin.H{"error": "Task already exists", "task_id": req.TaskID})
		return
	}
	if err != nil {
		h.logger.Error("Failed to submit task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task"})
		return
	}

	tracing.LoggerFor(ctx, h.logger).Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.Int("priority", task.Priority),
		zap.String("location", task.Location))

	c.JSON(http.StatusCreated, gin.H{"task": task, "message": "Task submitted successfully"})
}

func (h *Handler) GetResult(c *gin.Context) {
	id := c.Param("id")

	result, err := h.results.Get(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Result not found", "task_id": id})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get result", zap.String("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get result"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetFleet(c *gin.Context) {
	c.JSON(http.StatusOK, FleetStatus{
		View:       h.fleet.View(),
		QueueDepth: h.queue.Len(),
	})
}

func (h *Handler) GetWorkers(c *gin.Context) {
	workers := h.fleet.View().Workers
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (h *Handler) GetWorker(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.fleet.Worker(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Worker not found", "worker_id": id})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.healthCheck.CheckHealth(c.Request.Context())

	if status.Status == "healthy" {
		c.JSON(http.StatusOK, status)
	} else {
		c.JSON(http.StatusServiceUnavailable, status)
	}
}

func MetricsMiddleware(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequest(c.Request.Method, c.FullPath(), status, duration)
	}
}
