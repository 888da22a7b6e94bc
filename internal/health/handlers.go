package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the telemetry report.
type Handler struct {
	telemetry *Telemetry
}

// NewHandler creates a new telemetry handler.
func NewHandler(t *Telemetry) *Handler {
	return &Handler{telemetry: t}
}

// RegisterRoutes sets up the telemetry route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/oracle/status", h.GetStatus)
}

// GetStatus handles GET /v1/oracle/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.telemetry.Status(c.Request.Context()))
}
