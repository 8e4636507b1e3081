package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		return nil
	}
	value := userID.String()
	return &value
}

// messageAudit is the payload recorded for a successful message mutation.
func messageAudit(text string, msg models.Message) telemetry.AuditPayload {
	return telemetry.AuditPayload{
		Level:          "INFO",
		Text:           text,
		ConversationID: msg.ConversationID.String(),
		MessageID:      msg.ID.String(),
	}
}
