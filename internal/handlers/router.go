package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dm-service/internal/middleware"
	"dm-service/internal/ratelimit"
	"dm-service/internal/telemetry"
)

// RouterDeps collects what the HTTP surface is built from.
type RouterDeps struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	RateLimits    *RateLimitHandler
	Sync          gin.HandlerFunc
	Verifier      middleware.Verifier
	Gate          middleware.Gate
	Audit         *telemetry.AuditEmitter
	DebugRoutes   bool
	// TrustedProxies may set X-Forwarded-For; with none the peer address identifies the client.
	TrustedProxies []string
	Middleware     []gin.HandlerFunc
}

// NewRouter registers every route.
func NewRouter(deps RouterDeps) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(deps.Middleware...)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(deps.Verifier)
	gate := func(action string) gin.HandlerFunc {
		return middleware.RateLimit(deps.Gate, action)
	}

	router.GET("/conversations", auth, deps.Conversations.ListConversations)
	router.POST("/conversations/start", auth, gate(ratelimit.ActionStartConversation), deps.Conversations.StartConversation)
	router.GET("/conversations/:id/messages", auth, deps.Conversations.GetMessages)
	router.POST("/conversations/:id/messages", auth, gate(ratelimit.ActionSendMessage), deps.Conversations.PostMessage)
	router.POST("/conversations/:id/read", auth, deps.Conversations.MarkRead)

	router.PATCH("/messages/:id", auth, gate(ratelimit.ActionEditMessage), deps.Messages.EditMessage)
	router.DELETE("/messages/:id", auth, gate(ratelimit.ActionDeleteMessage), deps.Messages.DeleteMessage)

	optional := middleware.OptionalAuth(deps.Verifier)
	router.POST("/rate-limits/:action/attempt", optional, deps.RateLimits.Attempt)
	router.GET("/rate-limits/:action", optional, deps.RateLimits.Remaining)

	if deps.Sync != nil {
		router.GET("/ws/sync", deps.Sync)
	}

	RegisterDebugRoutes(router, deps.Audit, deps.DebugRoutes)
	return router, nil
}
