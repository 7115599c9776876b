package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/httpmw"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
)

func (s *Server) writeSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusForKind(storage.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("correlation_id", c.GetString(httpmw.CorrelationIDKey)),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success":   false,
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusForKind maps the storage error taxonomy onto HTTP statuses.
// Expired sessions read as unauthorized; expired leases surface from the
// services as NotAssigned, so 409 covers ownership races.
func statusForKind(kind storage.ErrorKind) int {
	switch kind {
	case storage.KindValidation:
		return http.StatusBadRequest
	case storage.KindUnauthorized, storage.KindExpired:
		return http.StatusUnauthorized
	case storage.KindNotFound:
		return http.StatusNotFound
	case storage.KindConflict, storage.KindClosed, storage.KindNotAssigned:
		return http.StatusConflict
	case storage.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
