package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyAgentAddr is the key for storing authenticated party address
	ContextKeyAgentAddr = "authAgentAddr"
)

// Middleware verifies a bearer token if present and stores the claims.
// Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearerToken(c.GetHeader("Authorization")); tok != "" {
			if claims, err := m.Verify(tok); err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyAgentAddr, claims.Subject)
				c.Request = c.Request.WithContext(logging.WithParty(c.Request.Context(), claims.Subject))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthenticatedAgent(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOperator rejects requests whose token lacks the operator role.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if claims.Role != RoleOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator role required.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims from context.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetAuthenticatedAgent returns the authenticated party's address.
func GetAuthenticatedAgent(c *gin.Context) string {
	addr, exists := c.Get(ContextKeyAgentAddr)
	if !exists {
		return ""
	}
	s, _ := addr.(string)
	return s
}

// IsOperator reports whether the caller holds the operator role.
func IsOperator(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.Role == RoleOperator
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
