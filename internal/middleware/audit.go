package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobfence/pkg/logger"
)

// AuditLog records operator write requests (manual triggers, lock reclaims)
// with the calling subject.
func AuditLog() gin.HandlerFunc {
	audit := logger.Component("audit")
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := audit.Info()
		if status >= 400 {
			ev = audit.Warn()
		}
		ev.Str("subject", GetSubject(c)).
			Str("role", GetRole(c)).
			Str("method", method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("operator action")
	}
}
