package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SecurityHeaders sets conservative security headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if c.Request.Method != http.MethodGet {
			c.Header("Cache-Control", "no-store")
		}
		c.Next()
	}
}
