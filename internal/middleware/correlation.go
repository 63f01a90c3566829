// Package middleware contains Gin middleware shared by the hub's HTTP and
// WebSocket upgrade endpoints.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/match3/battlehub/internal/logging"
)

// HeaderXCorrelationID is the header key carrying the request correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID attaches a correlation ID to the request context, generating
// one if the caller didn't supply it. The ID is echoed back on the response
// so a client can correlate its own logs with ours.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
