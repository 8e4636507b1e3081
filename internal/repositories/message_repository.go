package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	ListVisibleMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error)
	// CountUnread excludes the reader's own messages; see MessageRepo.CountUnread.
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since *time.Time) (int, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error)
	EditMessage(ctx context.Context, messageID, senderID uuid.UUID, content string) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, senderID uuid.UUID) (models.Message, error)
}

const messageColumns = `id, conversation_id, sender_id, content, created_at, updated_at,
    is_deleted, deleted_at, is_edited, edited_at, expires_at, client_token`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message. Expiry is computed from the store clock. A repeated client
// token returns the row stored by the first attempt.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	var out models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, expires_at, client_token)
        VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 millisecond', $5)
        ON CONFLICT (client_token) DO UPDATE SET client_token = EXCLUDED.client_token
        RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.Content, msg.TTL.Milliseconds(), msg.ClientToken).
		StructScan(&out)
	return out, err
}

// ListVisibleMessages returns non-deleted, non-expired messages ordered by creation.
func (r *MessageRepo) ListVisibleMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND is_deleted = FALSE AND expires_at > NOW()
        ORDER BY created_at ASC, id ASC`, conversationID)
	return msgs, err
}

// LatestVisibleMessage returns the most recent visible message, or nil when there is none.
func (r *MessageRepo) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND is_deleted = FALSE AND expires_at > NOW()
        ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CountUnread counts the messages userID has not read: non-deleted messages created after
// since, excluding userID's own messages so a sender never has unread replies to itself.
// A nil since means the user never read the conversation and counts every such message.
func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since *time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND sender_id<>$2 AND is_deleted = FALSE
        AND ($3::timestamptz IS NULL OR created_at > $3::timestamptz)`, conversationID, userID, since)
	return count, err
}

// GetMessage retrieves a single message regardless of visibility.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// EditMessage replaces the content of a live message. The sender predicate is part of the update.
func (r *MessageRepo) EditMessage(ctx context.Context, messageID, senderID uuid.UUID, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `UPDATE messages
        SET content=$3, is_edited = TRUE, edited_at = NOW(), updated_at = NOW()
        WHERE id=$1 AND sender_id=$2 AND is_deleted = FALSE AND expires_at > NOW()
        RETURNING `+messageColumns, messageID, senderID, content).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.explainMiss(ctx, messageID, senderID)
	}
	return msg, err
}

// SoftDeleteMessage flags a message deleted. Deleting an already deleted message keeps the
// original deletion timestamps.
func (r *MessageRepo) SoftDeleteMessage(ctx context.Context, messageID, senderID uuid.UUID) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `UPDATE messages
        SET is_deleted = TRUE,
            deleted_at = COALESCE(deleted_at, NOW()),
            updated_at = CASE WHEN is_deleted THEN updated_at ELSE NOW() END
        WHERE id=$1 AND sender_id=$2
        RETURNING `+messageColumns, messageID, senderID).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.explainMiss(ctx, messageID, senderID)
	}
	return msg, err
}

func (r *MessageRepo) explainMiss(ctx context.Context, messageID, senderID uuid.UUID) error {
	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != senderID {
		return ErrNotMessageSender
	}
	return ErrMessageNotFound
}
