package httpmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationIDKey is the gin context key holding the request correlation id.
const CorrelationIDKey = "correlation_id"

// CorrelationHeader is the wire header for request correlation.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID echoes the caller's X-Correlation-ID header, generating one
// when absent, and exposes it to handlers and the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(CorrelationIDKey, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}
