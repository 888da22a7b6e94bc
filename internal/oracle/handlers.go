package oracle

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes run history and manual triggers.
type Handler struct {
	engine *Engine
	runs   RunStore
}

// NewHandler creates a new oracle handler.
func NewHandler(engine *Engine, runs RunStore) *Handler {
	return &Handler{engine: engine, runs: runs}
}

// RegisterRoutes sets up read-only run history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/oracle/runs", h.ListRuns)
}

// RegisterOperatorRoutes sets up the manual trigger.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/runs/:type", h.TriggerRun)
}

// ListRuns handles GET /v1/oracle/runs?type=&hours=
func (h *Handler) ListRuns(c *gin.Context) {
	var runType RunType
	if t := c.Query("type"); t != "" {
		rt, err := ParseRunType(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_run_type", "message": err.Error()})
			return
		}
		runType = rt
	}
	hours := 24
	if v := c.Query("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 24*30 {
			hours = parsed
		}
	}

	runs, err := h.runs.ListSince(c.Request.Context(), runType, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// TriggerRun handles POST /v1/oracle/runs/:type
func (h *Handler) TriggerRun(c *gin.Context) {
	rt, err := ParseRunType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_run_type", "message": err.Error()})
		return
	}

	run, err := h.engine.Run(c.Request.Context(), rt)
	switch {
	case errors.Is(err, ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress", "message": err.Error()})
	case err != nil && run == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"run": run})
	}
}
