package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/apperrors"
	"dm-service/internal/middleware"
	"dm-service/internal/telemetry"
)

// MessageHandler serves edits and deletions of single messages.
type MessageHandler struct {
	messages messageService
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler. A nil emitter disables auditing.
func NewMessageHandler(messages messageService, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{messages: messages, audit: audit}
}

// EditMessage replaces the content of the caller's message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	messageID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidArg("invalid request body"))
		return
	}

	msg, err := h.messages.Edit(c.Request.Context(), middleware.UserID(c), messageID, req.Content)
	if err != nil {
		h.auditFailure(c, "message edit rejected", messageID, err)
		writeError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), messageAudit("message edited", msg))
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes the caller's message.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := parseID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messages.SoftDelete(c.Request.Context(), middleware.UserID(c), messageID)
	if err != nil {
		h.auditFailure(c, "message delete rejected", messageID, err)
		writeError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), messageAudit("message deleted", msg))
	c.JSON(http.StatusOK, msg)
}

// auditFailure records denied mutations; validation errors are not audited.
func (h *MessageHandler) auditFailure(c *gin.Context, text string, messageID uuid.UUID, err error) {
	if apperrors.CodeOf(err) != apperrors.CodePermissionDenied {
		return
	}
	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), telemetry.AuditPayload{
		Level:     "WARN",
		Text:      text,
		MessageID: messageID.String(),
	})
}
