package api

import (
	"context"
	"net/http"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/store"

	"github.com/gin-gonic/gin"
)

// EventLog returns the recorded progress events of a token.
type EventLog interface {
	Events(token models.ProgressToken) ([]models.ProgressEvent, bool)
}

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 2 * time.Second

// Handler serves the HTTP surface.
type Handler struct {
	svc    *Service
	events EventLog
	tasks  store.TaskStore
	checks map[string]HealthCheck
}

// NewHandler creates a Handler. events and tasks may be nil; their routes then
// answer 404.
func NewHandler(svc *Service, events EventLog, tasks store.TaskStore) *Handler {
	return &Handler{svc: svc, events: events, tasks: tasks, checks: make(map[string]HealthCheck)}
}

// AddHealthCheck makes /healthz report the named dependency.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// RegisterRoutes mounts the gateway routes on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", h.SubmitTask)
		v1.GET("/progress/:token", h.GetProgress)
		v1.GET("/envelopes/:id", h.GetEnvelope)
	}
}

// TaskRequest is the body of POST /api/v1/tasks.
type TaskRequest struct {
	Operation       string         `json:"operation" binding:"required"`
	Params          map[string]any `json:"params"`
	CorrelationHint string         `json:"correlation_hint"`
}

// Health 存活检查; 任一依赖失败时返回 503
func (h *Handler) Health(c *gin.Context) {
	if len(h.checks) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(gin.H, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// SubmitTask runs one tool call synchronously and returns its record.
// The record always carries an envelope, so failures are 200 with
// envelope.isError set; only an unknown tool is 404.
func (h *Handler) SubmitTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec := h.svc.Call(c.Request.Context(), req.Operation, req.Params, req.CorrelationHint)
	if rec.Path == models.PathRejected && rec.ID == "" {
		c.JSON(http.StatusNotFound, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetProgress returns the recent events of a progress token.
func (h *Handler) GetProgress(c *gin.Context) {
	token := models.ProgressToken(c.Param("token"))
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress history is disabled"})
		return
	}
	events, ok := h.events.Events(token)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown progress token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "events": events})
}

// GetEnvelope returns the stored record of a finished task.
func (h *Handler) GetEnvelope(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task store is disabled"})
		return
	}
	rec, ok, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
