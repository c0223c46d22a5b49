package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"sunarp-console/internal/shared/telemetry"
)

// Logging emits a structured log per request.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusTransition := ""
		if raw, ok := c.Get("statusTransition"); ok {
			if s, ok := raw.(string); ok {
				statusTransition = s
			}
		}
		analysisID := c.Param("id")
		if raw, ok := c.Get("analysisId"); ok {
			if s, ok := raw.(string); ok {
				analysisID = s
			}
		}

		telemetry.Info("request.complete", map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"status":            c.Writer.Status(),
			"status_transition": statusTransition,
			"duration_ms":       float64(latency.Microseconds()) / 1000.0,
			"user_id":           UserIDFromContext(c),
			"analysis_id":       analysisID,
			"client_ip":         c.ClientIP(),
		})
	}
}
