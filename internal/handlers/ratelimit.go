package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/apperrors"
	"dm-service/internal/middleware"
	"dm-service/internal/ratelimit"
)

type limiterService interface {
	Attempt(ctx context.Context, subject, action string) ratelimit.Decision
	Remaining(ctx context.Context, subject, action string) (int, error)
}

// RateLimitHandler lets the forum frontend gate its own actions.
type RateLimitHandler struct {
	limiter limiterService
}

func NewRateLimitHandler(limiter limiterService) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// Attempt consumes one attempt of the action.
func (h *RateLimitHandler) Attempt(c *gin.Context) {
	action := c.Param("action")
	decision := h.limiter.Attempt(c.Request.Context(), middleware.RateLimitSubject(c), action)
	if !decision.Allowed {
		middleware.WriteRateLimited(c, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Remaining reports the attempts left without consuming one.
func (h *RateLimitHandler) Remaining(c *gin.Context) {
	action := c.Param("action")
	left, err := h.limiter.Remaining(c.Request.Context(), middleware.RateLimitSubject(c), action)
	if err != nil {
		writeError(c, apperrors.StoreUnavailable("rate limit state unavailable", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "remaining": left})
}
