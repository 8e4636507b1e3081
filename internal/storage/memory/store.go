// Package memory is an in-process conversation store with the same semantics as the Postgres
// repositories. It backs tests and single-node deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/feed"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// Operation names passed to a fault hook.
const (
	OpFindConversation   = "find_conversation"
	OpCreateConversation = "create_conversation"
	OpListConversations  = "list_conversations"
	OpGetConversations   = "get_conversations"
	OpListParticipants   = "list_participants"
	OpGetParticipant     = "get_participant"
	OpMarkRead           = "mark_read"
	OpCreateMessage      = "create_message"
	OpListMessages       = "list_messages"
	OpLatestMessage      = "latest_message"
	OpCountUnread        = "count_unread"
	OpGetMessage         = "get_message"
	OpEditMessage        = "edit_message"
	OpDeleteMessage      = "delete_message"
)

// Options configures a Store.
type Options struct {
	Now    func() time.Time
	Feed   feed.Publisher
	Logger zerolog.Logger
}

type conversationRow struct {
	models.Conversation
	pairKey string
	seq     int
}

type messageRow struct {
	models.Message
	seq int
}

// Store implements repositories.ConversationRepository and repositories.MessageRepository.
type Store struct {
	now    func() time.Time
	feed   feed.Publisher
	logger zerolog.Logger

	mu            sync.Mutex
	seq           int
	conversations map[uuid.UUID]*conversationRow
	pairs         map[string]uuid.UUID
	participants  map[uuid.UUID]map[uuid.UUID]*models.Participant
	participantOf map[uuid.UUID][]uuid.UUID
	messages      map[uuid.UUID]*messageRow
	byConv        map[uuid.UUID][]uuid.UUID
	tokens        map[uuid.UUID]uuid.UUID
	profiles      map[uuid.UUID]models.ParticipantProfile
	fault         func(op string) error
}

var (
	_ repositories.ConversationRepository = (*Store)(nil)
	_ repositories.MessageRepository      = (*Store)(nil)
)

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		now:           opts.Now,
		feed:          opts.Feed,
		logger:        opts.Logger.With().Str("component", "store.memory").Logger(),
		conversations: make(map[uuid.UUID]*conversationRow),
		pairs:         make(map[string]uuid.UUID),
		participants:  make(map[uuid.UUID]map[uuid.UUID]*models.Participant),
		participantOf: make(map[uuid.UUID][]uuid.UUID),
		messages:      make(map[uuid.UUID]*messageRow),
		byConv:        make(map[uuid.UUID][]uuid.UUID),
		tokens:        make(map[uuid.UUID]uuid.UUID),
		profiles:      make(map[uuid.UUID]models.ParticipantProfile),
	}
}

// SetFault installs a hook consulted before every operation. A non-nil result fails the
// operation without touching state.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// PutProfile records the forum profile of a user.
func (s *Store) PutProfile(userID uuid.UUID, username, displayName, avatarURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = models.ParticipantProfile{Username: username, DisplayName: displayName, AvatarURL: avatarURL}
}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *Store) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *Store) FindExistingConversation(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpFindConversation); err != nil {
		return uuid.Nil, err
	}
	id, ok := s.pairs[models.PairKey(userA, userB)]
	if !ok {
		return uuid.Nil, repositories.ErrConversationNotFound
	}
	return id, nil
}

func (s *Store) CreateConversationWithParticipants(ctx context.Context, userIDs []uuid.UUID) (uuid.UUID, error) {
	members := dedupe(userIDs)
	if len(members) < 2 {
		return uuid.Nil, errors.New("conversation needs at least two participants")
	}

	s.mu.Lock()
	if err := s.check(OpCreateConversation); err != nil {
		s.mu.Unlock()
		return uuid.Nil, err
	}

	var pairKey string
	if len(members) == 2 {
		pairKey = models.PairKey(members[0], members[1])
	}

	now := s.now()
	id, exists := s.pairs[pairKey]
	if !exists || pairKey == "" {
		id = uuid.New()
		s.conversations[id] = &conversationRow{
			Conversation: models.Conversation{ID: id, CreatedAt: now},
			pairKey:      pairKey,
			seq:          s.nextSeq(),
		}
		s.participants[id] = make(map[uuid.UUID]*models.Participant)
		if pairKey != "" {
			s.pairs[pairKey] = id
		}
	}

	var events []feed.Event
	for _, userID := range members {
		if _, ok := s.participants[id][userID]; ok {
			continue
		}
		p := &models.Participant{ConversationID: id, UserID: userID, JoinedAt: now}
		s.participants[id][userID] = p
		s.participantOf[userID] = append(s.participantOf[userID], id)
		ev, err := feed.NewEvent(feed.TableParticipants, userID, feed.ParticipantRow{
			ConversationID: id, UserID: userID, JoinedAt: now,
		})
		if err == nil {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()

	s.publish(ctx, events)
	return id, nil
}

func (s *Store) ListConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpListConversations); err != nil {
		return nil, err
	}
	return append([]uuid.UUID(nil), s.participantOf[userID]...), nil
}

func (s *Store) GetConversations(ctx context.Context, ids []uuid.UUID) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpGetConversations); err != nil {
		return nil, err
	}

	rows := make([]*conversationRow, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.conversations[id]; ok {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch {
		case a.LastActivityAt == nil && b.LastActivityAt != nil:
			return false
		case a.LastActivityAt != nil && b.LastActivityAt == nil:
			return true
		case a.LastActivityAt != nil && !a.LastActivityAt.Equal(*b.LastActivityAt):
			return a.LastActivityAt.After(*b.LastActivityAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyConversation(row.Conversation))
	}
	return out, nil
}

func (s *Store) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.ParticipantProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpListParticipants); err != nil {
		return nil, err
	}

	out := make([]models.ParticipantProfile, 0, len(s.participants[conversationID]))
	for userID, p := range s.participants[conversationID] {
		profile := s.profiles[userID]
		profile.Participant = copyParticipant(*p)
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpGetParticipant); err != nil {
		return models.Participant{}, err
	}
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return models.Participant{}, repositories.ErrParticipantNotFound
	}
	return copyParticipant(*p), nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpMarkRead); err != nil {
		return err
	}
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return repositories.ErrParticipantNotFound
	}
	now := s.now()
	p.LastReadAt = &now
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	s.mu.Lock()
	if err := s.check(OpCreateMessage); err != nil {
		s.mu.Unlock()
		return models.Message{}, err
	}
	if id, ok := s.tokens[msg.ClientToken]; ok && msg.ClientToken != uuid.Nil {
		out := copyMessage(s.messages[id].Message)
		s.mu.Unlock()
		return out, nil
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, repositories.ErrConversationNotFound
	}

	now := s.now()
	m := models.Message{
		ID:             uuid.New(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(msg.TTL),
		ClientToken:    msg.ClientToken,
	}
	s.messages[m.ID] = &messageRow{Message: m, seq: s.nextSeq()}
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	if msg.ClientToken != uuid.Nil {
		s.tokens[msg.ClientToken] = m.ID
	}
	activity := now
	conv.LastActivityAt = &activity

	var events []feed.Event
	for userID := range s.participants[m.ConversationID] {
		ev, err := feed.NewEvent(feed.TableMessages, userID, feed.MessageRow{
			ID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID, CreatedAt: m.CreatedAt,
		})
		if err == nil {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()

	s.publish(ctx, events)
	return copyMessage(m), nil
}

func (s *Store) ListVisibleMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpListMessages); err != nil {
		return nil, err
	}
	now := s.now()
	out := []models.Message{}
	for _, row := range s.orderedMessages(conversationID) {
		if row.VisibleAt(now) {
			out = append(out, copyMessage(row.Message))
		}
	}
	return out, nil
}

func (s *Store) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLatestMessage); err != nil {
		return nil, err
	}
	now := s.now()
	rows := s.orderedMessages(conversationID)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].VisibleAt(now) {
			m := copyMessage(rows[i].Message)
			return &m, nil
		}
	}
	return nil, nil
}

// CountUnread counts non-deleted messages after since that userID did not send. The reader's
// own messages never count as unread.
func (s *Store) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCountUnread); err != nil {
		return 0, err
	}
	count := 0
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.IsDeleted || m.SenderID == userID {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpGetMessage); err != nil {
		return models.Message{}, err
	}
	row, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return copyMessage(row.Message), nil
}

func (s *Store) EditMessage(ctx context.Context, messageID, senderID uuid.UUID, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpEditMessage); err != nil {
		return models.Message{}, err
	}
	row, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if row.SenderID != senderID {
		return models.Message{}, repositories.ErrNotMessageSender
	}
	now := s.now()
	if !row.VisibleAt(now) {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	row.Content = content
	row.IsEdited = true
	row.EditedAt = &now
	row.UpdatedAt = now
	return copyMessage(row.Message), nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID, senderID uuid.UUID) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpDeleteMessage); err != nil {
		return models.Message{}, err
	}
	row, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if row.SenderID != senderID {
		return models.Message{}, repositories.ErrNotMessageSender
	}
	if !row.IsDeleted {
		now := s.now()
		row.IsDeleted = true
		row.DeletedAt = &now
		row.UpdatedAt = now
	}
	return copyMessage(row.Message), nil
}

func (s *Store) orderedMessages(conversationID uuid.UUID) []*messageRow {
	rows := make([]*messageRow, 0, len(s.byConv[conversationID]))
	for _, id := range s.byConv[conversationID] {
		rows = append(rows, s.messages[id])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	return rows
}

func (s *Store) publish(ctx context.Context, events []feed.Event) {
	if s.feed == nil {
		return
	}
	for _, ev := range events {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("table", ev.Table).Msg("change event not published")
		}
	}
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

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyConversation(c models.Conversation) models.Conversation {
	c.LastActivityAt = copyTime(c.LastActivityAt)
	return c
}

func copyParticipant(p models.Participant) models.Participant {
	p.LastReadAt = copyTime(p.LastReadAt)
	return p
}

func copyMessage(m models.Message) models.Message {
	m.DeletedAt = copyTime(m.DeletedAt)
	m.EditedAt = copyTime(m.EditedAt)
	return m
}
