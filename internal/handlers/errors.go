package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/apperrors"
)

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodePermissionDenied:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an application error. Causes are never exposed to clients.
func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	msg := apperrors.MessageOf(err, "internal error")
	if status == http.StatusInternalServerError {
		code, msg = apperrors.CodeInternal, "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param, "code": apperrors.CodeInvalidArgument})
		return uuid.Nil, false
	}
	return id, true
}
