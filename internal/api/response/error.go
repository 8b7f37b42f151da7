// Package response holds the JSON shapes shared by handlers and middleware.
package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ApiError is the body of every error response
type ApiError struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// AbortWithError writes an ApiError and stops the handler chain
func AbortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ApiError{
		Status:    status,
		Message:   message,
		Path:      c.Request.URL.Path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
