// Package livesync turns change feed events into cache invalidations and client notifications
// for one signed-in session.
package livesync

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/feed"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

var ErrAlreadyStarted = errors.New("live sync already started")

// ConversationInvalidator drops a user's cached conversation list.
type ConversationInvalidator interface {
	InvalidateConversationList(ctx context.Context, userID uuid.UUID)
}

// MessageInvalidator drops a conversation's cached messages.
type MessageInvalidator interface {
	InvalidateMessages(ctx context.Context, conversationID uuid.UUID)
}

// Notifier delivers notifications to the session's client.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Controller consumes the feed of one user. It is started once and stopped once.
type Controller struct {
	userID        uuid.UUID
	subscriber    feed.Subscriber
	conversations ConversationInvalidator
	messages      MessageInvalidator
	notifier      Notifier
	logger        zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     feed.Subscription
	done    chan struct{}
	stop    sync.Once
}

// New builds a controller for userID.
func New(userID uuid.UUID, subscriber feed.Subscriber, conversations ConversationInvalidator, messages MessageInvalidator, notifier Notifier, logger zerolog.Logger) *Controller {
	return &Controller{
		userID:        userID,
		subscriber:    subscriber,
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		logger:        logger.With().Str("component", "livesync").Str("user_id", userID.String()).Logger(),
		done:          make(chan struct{}),
	}
}

// Start subscribes to the user's feed and dispatches events until Stop or ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := c.subscriber.Subscribe(ctx, c.userID)
	if err != nil {
		cancel()
		return err
	}
	c.started = true
	c.cancel = cancel
	c.sub = sub

	go c.run(ctx, sub)
	c.logger.Debug().Msg("live sync started")
	return nil
}

// Done is closed once the dispatch loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stop releases the subscription and waits for the dispatch loop. Safe to call repeatedly,
// and before Start.
func (c *Controller) Stop() {
	c.stop.Do(func() {
		c.mu.Lock()
		started, cancel, sub := c.started, c.cancel, c.sub
		c.started = true
		c.mu.Unlock()

		if !started {
			close(c.done)
			return
		}
		cancel()
		if err := sub.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("subscription close failed")
		}
		<-c.done
		c.logger.Debug().Msg("live sync stopped")
	})
}

func (c *Controller) run(ctx context.Context, sub feed.Subscription) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev feed.Event) {
	switch ev.Table {
	case feed.TableMessages:
		row, err := ev.MessageRow()
		if err != nil {
			c.reject(ev, err)
			return
		}
		c.messages.InvalidateMessages(ctx, row.ConversationID)
		c.conversations.InvalidateConversationList(ctx, c.userID)

		c.notify(ctx, models.Notification{Type: models.NotifyMessagesInvalidated, ConversationID: row.ConversationID})
		c.notify(ctx, models.Notification{Type: models.NotifyConversationsInvalidated, ConversationID: row.ConversationID})
		if row.SenderID != c.userID {
			c.notify(ctx, models.Notification{
				Type:           models.NotifyNewMessage,
				ConversationID: row.ConversationID,
				MessageID:      row.ID,
				SenderID:       row.SenderID,
			})
		}
	case feed.TableParticipants:
		row, err := ev.ParticipantRow()
		if err != nil {
			c.reject(ev, err)
			return
		}
		c.conversations.InvalidateConversationList(ctx, c.userID)
		c.notify(ctx, models.Notification{Type: models.NotifyConversationsInvalidated, ConversationID: row.ConversationID})
	case feed.TableResync:
		c.conversations.InvalidateConversationList(ctx, c.userID)
		c.notify(ctx, models.Notification{Type: models.NotifyResync})
		c.notify(ctx, models.Notification{Type: models.NotifyConversationsInvalidated})
	default:
		c.logger.Debug().Str("table", ev.Table).Msg("ignoring event")
		return
	}
	observability.IncFeedEvent(ev.Table, "dispatched")
}

func (c *Controller) notify(ctx context.Context, n models.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Debug().Err(err).Str("type", n.Type).Msg("notification not delivered")
	}
}

func (c *Controller) reject(ev feed.Event, err error) {
	observability.IncFeedEvent(ev.Table, "malformed")
	c.logger.Warn().Err(err).Str("table", ev.Table).Msg("malformed feed event")
}
