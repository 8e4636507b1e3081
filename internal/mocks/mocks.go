package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindExistingConversation(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, userA, userB)
	var id uuid.UUID
	if val := args.Get(0); val != nil {
		id = val.(uuid.UUID)
	}
	return id, args.Error(1)
}

func (m *ConversationRepositoryMock) CreateConversationWithParticipants(ctx context.Context, userIDs []uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, userIDs)
	var id uuid.UUID
	if val := args.Get(0); val != nil {
		id = val.(uuid.UUID)
	}
	return id, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	var ids []uuid.UUID
	if val := args.Get(0); val != nil {
		ids = val.([]uuid.UUID)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversations(ctx context.Context, ids []uuid.UUID) ([]models.Conversation, error) {
	args := m.Called(ctx, ids)
	var convs []models.Conversation
	if val := args.Get(0); val != nil {
		convs = val.([]models.Conversation)
	}
	return convs, args.Error(1)
}

func (m *ConversationRepositoryMock) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.ParticipantProfile, error) {
	args := m.Called(ctx, conversationID)
	var list []models.ParticipantProfile
	if val := args.Get(0); val != nil {
		list = val.([]models.ParticipantProfile)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (models.Participant, error) {
	args := m.Called(ctx, conversationID, userID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}

func (m *ConversationRepositoryMock) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListVisibleMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msg *models.Message
	if val := args.Get(0); val != nil {
		msg = val.(*models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since *time.Time) (int, error) {
	args := m.Called(ctx, conversationID, userID, since)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) EditMessage(ctx context.Context, messageID, senderID uuid.UUID, content string) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) SoftDeleteMessage(ctx context.Context, messageID, senderID uuid.UUID) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}
