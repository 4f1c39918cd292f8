package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/internal/utils"
	"github.com/huangang/jobfence/pkg/logger"
)

const (
	ContextSubject = "subject"
	ContextRole    = "role"
)

// AuthRequired checks for a valid operator token
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		// "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := utils.ParseToken(parts[1])
		if err != nil {
			logger.Debug().Err(err).Str("ip", c.ClientIP()).Msg("[Auth] Token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// AdminRequired guards routes that change lock or job state
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != utils.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// GetSubject gets the operator name from context
func GetSubject(c *gin.Context) string {
	return c.GetString(ContextSubject)
}

// GetRole gets the operator role from context
func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
