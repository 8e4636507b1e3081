// Package messaging implements per-conversation message retrieval and the write path.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dm-service/internal/apperrors"
	"dm-service/internal/cache"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// MaxContentRunes bounds the length of a message after trimming.
const MaxContentRunes = 4000

var tracer = otel.Tracer("dm-service/messaging")

// Options configures the channel.
type Options struct {
	TTL         time.Duration
	SendRetries int
	RetryDelay  time.Duration
	Now         func() time.Time
}

// Channel serves the messages of conversations the caller participates in.
type Channel struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	cache         *cache.Cache
	logger        zerolog.Logger

	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	now        func() time.Time
}

// NewChannel wires the channel.
func NewChannel(conversations repositories.ConversationRepository, messages repositories.MessageRepository, c *cache.Cache, logger zerolog.Logger, opts Options) *Channel {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.SendRetries < 0 {
		opts.SendRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		conversations: conversations,
		messages:      messages,
		cache:         c,
		logger:        logger.With().Str("component", "messaging").Logger(),
		ttl:           opts.TTL,
		retries:       opts.SendRetries,
		retryDelay:    opts.RetryDelay,
		now:           opts.Now,
	}
}

// ListMessages returns the visible messages of a conversation in creation order.
func (c *Channel) ListMessages(ctx context.Context, userID, conversationID uuid.UUID) ([]models.Message, error) {
	if userID == uuid.Nil {
		return nil, apperrors.ErrUnauthenticated
	}
	if err := c.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	cached, err := cache.GetOrLoad(ctx, c.cache, cache.MessagesKey(conversationID), func(ctx context.Context) ([]models.Message, error) {
		return c.messages.ListVisibleMessages(ctx, conversationID)
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable("could not load messages", err)
	}

	// cached entries may have expired since they were stored
	now := c.now()
	visible := make([]models.Message, 0, len(cached))
	for _, m := range cached {
		if m.VisibleAt(now) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// ActivateConversation refetches a conversation's messages when its view becomes active.
func (c *Channel) ActivateConversation(ctx context.Context, userID, conversationID uuid.UUID) ([]models.Message, error) {
	c.InvalidateMessages(ctx, conversationID)
	return c.ListMessages(ctx, userID, conversationID)
}

// Send stores a message from userID. Transient store failures are retried with the same
// client token, so a retried insert never duplicates the message.
func (c *Channel) Send(ctx context.Context, userID, conversationID uuid.UUID, content string) (models.Message, error) {
	if userID == uuid.Nil {
		return models.Message{}, apperrors.ErrUnauthenticated
	}
	content, err := normalize(content)
	if err != nil {
		return models.Message{}, err
	}

	ctx, span := tracer.Start(ctx, "messaging.Send")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID.String()))

	if err := c.requireParticipant(ctx, conversationID, userID); err != nil {
		return models.Message{}, err
	}

	payload := models.NewMessage{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		TTL:            c.ttl,
		ClientToken:    uuid.New(),
	}

	var (
		msg      models.Message
		attempts int
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			observability.IncSendRetry()
		}
		stored, err := c.messages.CreateMessage(ctx, payload)
		if err != nil {
			if repositories.IsTransient(err) {
				c.logger.Warn().Err(err).Int("attempt", attempts).Msg("send attempt failed")
				return err
			}
			return backoff.Permanent(err)
		}
		msg = stored
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.retries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		c.logger.Error().Err(err).Str("conversation_id", conversationID.String()).Int("attempts", attempts).Msg("message not sent")
		return models.Message{}, apperrors.ErrSendFailed(err)
	}

	c.invalidateConversation(ctx, conversationID)
	return msg, nil
}

// Edit replaces the content of a message sent by userID.
func (c *Channel) Edit(ctx context.Context, userID, messageID uuid.UUID, content string) (models.Message, error) {
	if userID == uuid.Nil {
		return models.Message{}, apperrors.ErrUnauthenticated
	}
	content, err := normalize(content)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := c.messages.EditMessage(ctx, messageID, userID, content)
	switch {
	case errors.Is(err, repositories.ErrNotMessageSender):
		return models.Message{}, apperrors.ErrEditFailed(err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return models.Message{}, apperrors.ErrMessageAbsent
	case err != nil:
		c.logger.Error().Err(err).Str("message_id", messageID.String()).Msg("edit failed")
		return models.Message{}, apperrors.StoreUnavailable("could not edit message", err)
	}

	c.invalidateConversation(ctx, msg.ConversationID)
	return msg, nil
}

// SoftDelete flags a message sent by userID as deleted. Deleting twice succeeds.
func (c *Channel) SoftDelete(ctx context.Context, userID, messageID uuid.UUID) (models.Message, error) {
	if userID == uuid.Nil {
		return models.Message{}, apperrors.ErrUnauthenticated
	}

	msg, err := c.messages.SoftDeleteMessage(ctx, messageID, userID)
	switch {
	case errors.Is(err, repositories.ErrNotMessageSender):
		return models.Message{}, apperrors.ErrDeleteFailed(err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return models.Message{}, apperrors.ErrMessageAbsent
	case err != nil:
		c.logger.Error().Err(err).Str("message_id", messageID.String()).Msg("delete failed")
		return models.Message{}, apperrors.StoreUnavailable("could not delete message", err)
	}

	c.invalidateConversation(ctx, msg.ConversationID)
	return msg, nil
}

// MarkRead moves the caller's read watermark to now. Failures are logged only.
func (c *Channel) MarkRead(ctx context.Context, userID, conversationID uuid.UUID) {
	if userID == uuid.Nil {
		return
	}
	if err := c.conversations.MarkRead(ctx, conversationID, userID); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("mark read failed")
		return
	}
	c.cache.Invalidate(ctx, cache.ConversationsKey(userID))
}

// InvalidateMessages drops the cached messages of a conversation.
func (c *Channel) InvalidateMessages(ctx context.Context, conversationID uuid.UUID) {
	c.cache.Invalidate(ctx, cache.MessagesKey(conversationID))
}

func (c *Channel) requireParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	_, err := c.conversations.GetParticipant(ctx, conversationID, userID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrParticipantNotFound):
		return apperrors.ErrNotParticipant
	default:
		return apperrors.StoreUnavailable("could not load conversation", err)
	}
}

// invalidateConversation drops the message cache and every participant's list.
func (c *Channel) invalidateConversation(ctx context.Context, conversationID uuid.UUID) {
	keys := []cache.Key{cache.MessagesKey(conversationID)}
	participants, err := c.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("participants unavailable for invalidation")
	}
	for _, p := range participants {
		keys = append(keys, cache.ConversationsKey(p.UserID))
	}
	c.cache.Invalidate(ctx, keys...)
}

func normalize(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperrors.ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", apperrors.ErrMessageTooLong
	}
	return content, nil
}
