package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is a direct message. Deletion is a flag flip; rows are never removed from the read path.
type Message struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ConversationID uuid.UUID  `db:"conversation_id" json:"conversation_id"`
	SenderID       uuid.UUID  `db:"sender_id" json:"sender_id"`
	Content        string     `db:"content" json:"content"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	IsDeleted      bool       `db:"is_deleted" json:"is_deleted"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	IsEdited       bool       `db:"is_edited" json:"is_edited"`
	EditedAt       *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	ClientToken    uuid.UUID  `db:"client_token" json:"-"`
}

// VisibleAt reports whether readers may see the message at now.
func (m Message) VisibleAt(now time.Time) bool {
	return !m.IsDeleted && m.ExpiresAt.After(now)
}

// NewMessage is the insert payload for a message. ClientToken makes retried inserts idempotent.
type NewMessage struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	TTL            time.Duration
	ClientToken    uuid.UUID
}
