package models

import "github.com/google/uuid"

// Notification kinds pushed to live sessions.
const (
	NotifyNewMessage               = "new_message"
	NotifyMessagesInvalidated      = "messages_invalidated"
	NotifyConversationsInvalidated = "conversations_invalidated"
	NotifyResync                   = "resync"
)

// Notification is emitted over websocket connections to a user's sessions.
type Notification struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	SenderID       uuid.UUID `json:"sender_id"`
}
