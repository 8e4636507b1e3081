package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	FindExistingConversation(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error)
	CreateConversationWithParticipants(ctx context.Context, userIDs []uuid.UUID) (uuid.UUID, error)
	ListConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	GetConversations(ctx context.Context, ids []uuid.UUID) ([]models.Conversation, error)
	ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.ParticipantProfile, error)
	GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (models.Participant, error)
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindExistingConversation returns the two-party conversation between the users.
func (r *ConversationRepo) FindExistingConversation(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.GetContext(ctx, &id, `SELECT id FROM conversations WHERE pair_key=$1`, models.PairKey(userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrConversationNotFound
	}
	return id, err
}

// CreateConversationWithParticipants creates a conversation and its participant rows atomically.
// Two-party conversations are keyed by pair so concurrent calls converge on one row.
func (r *ConversationRepo) CreateConversationWithParticipants(ctx context.Context, userIDs []uuid.UUID) (uuid.UUID, error) {
	members := dedupe(userIDs)
	if len(members) < 2 {
		return uuid.Nil, errors.New("conversation needs at least two participants")
	}

	var pairKey sql.NullString
	if len(members) == 2 {
		pairKey = sql.NullString{String: models.PairKey(members[0], members[1]), Valid: true}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id uuid.UUID
	// DO UPDATE is a no-op write that makes RETURNING yield the existing row.
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (pair_key) VALUES ($1)
        ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
        RETURNING id`, pairKey).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}

	for _, userID := range members {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, id, userID); err != nil {
			return uuid.Nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ListConversationIDs returns the conversations the user participates in.
func (r *ConversationRepo) ListConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_participants WHERE user_id=$1`, userID)
	return ids, err
}

// GetConversations loads conversations ordered by last activity, most recent first.
func (r *ConversationRepo) GetConversations(ctx context.Context, ids []uuid.UUID) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return []models.Conversation{}, nil
	}
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT id, created_at, last_activity_at FROM conversations
        WHERE id = ANY($1::uuid[])
        ORDER BY last_activity_at DESC NULLS LAST, created_at DESC`, pq.Array(uuidStrings(ids)))
	return convs, err
}

// ListParticipants returns participants with their forum profile projection.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.ParticipantProfile, error) {
	var participants []models.ParticipantProfile
	err := r.db.SelectContext(ctx, &participants, `SELECT cp.conversation_id, cp.user_id, cp.joined_at, cp.last_read_at,
            COALESCE(p.username, '') AS username,
            COALESCE(p.display_name, '') AS display_name,
            COALESCE(p.avatar_url, '') AS avatar_url
        FROM conversation_participants cp
        LEFT JOIN profiles p ON p.id = cp.user_id
        WHERE cp.conversation_id=$1
        ORDER BY cp.joined_at ASC`, conversationID)
	return participants, err
}

// GetParticipant fetches one participant row.
func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT conversation_id, user_id, joined_at, last_read_at
        FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

// MarkRead moves the user's read watermark to the store clock. Participant rows are created
// with the conversation, so the upsert reduces to an update of the existing row.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversation_participants SET last_read_at = NOW()
        WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
