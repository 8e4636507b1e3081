package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/apperrors"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
)

type conversationService interface {
	ListConversations(ctx context.Context, userID uuid.UUID) (models.ConversationList, error)
	StartConversation(ctx context.Context, userID, otherID uuid.UUID) (uuid.UUID, error)
}

type messageService interface {
	ActivateConversation(ctx context.Context, userID, conversationID uuid.UUID) ([]models.Message, error)
	Send(ctx context.Context, userID, conversationID uuid.UUID, content string) (models.Message, error)
	Edit(ctx context.Context, userID, messageID uuid.UUID, content string) (models.Message, error)
	SoftDelete(ctx context.Context, userID, messageID uuid.UUID) (models.Message, error)
	MarkRead(ctx context.Context, userID, conversationID uuid.UUID)
}

// ConversationHandler serves the inbox and per-conversation endpoints.
type ConversationHandler struct {
	conversations conversationService
	messages      messageService
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations conversationService, messages messageService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, messages: messages}
}

// ListConversations returns the caller's inbox.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	list, err := h.conversations.ListConversations(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// StartConversation finds or creates the conversation with another user.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidArg("user_id is required"))
		return
	}
	otherID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(c, apperrors.InvalidArg("invalid user_id"))
		return
	}

	id, err := h.conversations.StartConversation(c.Request.Context(), middleware.UserID(c), otherID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

// GetMessages returns a conversation's visible messages, refetched from the store.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.messages.ActivateConversation(c.Request.Context(), middleware.UserID(c), conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage sends a message to a conversation.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
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

	msg, err := h.messages.Send(c.Request.Context(), middleware.UserID(c), conversationID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead moves the caller's read watermark. It always succeeds from the client's view.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.messages.MarkRead(c.Request.Context(), middleware.UserID(c), conversationID)
	c.Status(http.StatusNoContent)
}
