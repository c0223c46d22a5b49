package respond

import (
	"github.com/gin-gonic/gin"

	"sunarp-console/internal/shared/telemetry"
)

// ErrorBody is the error object of the registry envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorResponse is the envelope for failed requests.
type ErrorResponse struct {
	Data  any       `json:"data"`
	Error ErrorBody `json:"error"`
}

// Error aborts the request with the error envelope.
func Error(c *gin.Context, status int, code, message string) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("requestId"),
	}
	if userID := c.GetString("userId"); userID != "" {
		fields["user_id"] = userID
	}
	if status >= 500 {
		telemetry.Error("http.error", fields)
	} else {
		telemetry.Warn("http.error", fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}
