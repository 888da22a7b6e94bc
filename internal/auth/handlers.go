package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the caller's own identity.
type Handler struct{}

// NewHandler creates a new auth handler
func NewHandler() *Handler { return &Handler{} }

// RegisterRoutes sets up auth routes (behind RequireAuth)
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Me handles GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	claims, _ := GetClaims(c)
	resp := gin.H{"address": GetAuthenticatedAgent(c)}
	if claims != nil {
		resp["role"] = claims.Role
		if claims.ExpiresAt != nil {
			resp["expiresAt"] = claims.ExpiresAt.Time
		}
	}
	c.JSON(http.StatusOK, resp)
}
