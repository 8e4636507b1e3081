package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/apperrors"
	"dm-service/internal/ratelimit"
)

// Gate admits or denies attempts of an action.
type Gate interface {
	Attempt(ctx context.Context, subject, action string) ratelimit.Decision
}

// RateLimitSubject returns the bucket subject of the caller: the signed-in user, or the
// client address for anonymous callers.
func RateLimitSubject(c *gin.Context) string {
	if userID := UserID(c); userID != uuid.Nil {
		return ratelimit.UserSubject(userID)
	}
	return ratelimit.AnonymousSubject(c.ClientIP())
}

// RateLimit consumes one attempt of action per request and answers 429 once the caller is
// over the limit.
func RateLimit(gate Gate, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := gate.Attempt(c.Request.Context(), RateLimitSubject(c), action)
		if !decision.Allowed {
			WriteRateLimited(c, decision)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Next()
	}
}

// WriteRateLimited aborts with the denial and its Retry-After header.
func WriteRateLimited(c *gin.Context, decision ratelimit.Decision) {
	c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":               decision.Message,
		"code":                apperrors.CodeRateLimited,
		"retry_after_seconds": decision.RetryAfterSeconds(),
	})
}
