package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a direct-message thread owned jointly by its participants.
type Conversation struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"last_activity_at"`
}

// Participant joins a user to a conversation. LastReadAt is the read watermark; nil means
// the user never read the conversation.
type Participant struct {
	ConversationID uuid.UUID  `db:"conversation_id" json:"conversation_id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	JoinedAt       time.Time  `db:"joined_at" json:"joined_at"`
	LastReadAt     *time.Time `db:"last_read_at" json:"last_read_at"`
}

// ParticipantProfile is a participant row projected with the forum profile.
type ParticipantProfile struct {
	Participant
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// ConversationView is a conversation enriched for one user.
type ConversationView struct {
	Conversation
	Participants []ParticipantProfile `json:"participants"`
	LastMessage  *Message             `json:"last_message"`
	UnreadCount  int                  `json:"unread_count"`
	Degraded     bool                 `json:"degraded,omitempty"`
}

// ConversationList is the inbox of one user.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
	TotalUnread   int                `json:"total_unread"`
}

// PairKey returns the order-independent key of a two-party conversation.
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}
