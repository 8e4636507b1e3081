package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
)

const memoryBuffer = 128

// MemoryBroker is an in-process broker used in single-node deployments and tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*memorySubscription]struct{}
	logger zerolog.Logger
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(logger zerolog.Logger) *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[uuid.UUID]map[*memorySubscription]struct{}),
		logger: logger.With().Str("component", "feed.memory").Logger(),
	}
}

// Publish delivers ev to every subscription of its recipient without blocking. A subscriber
// that falls behind gets a resync event in the last buffer slot in place of what it missed.
func (b *MemoryBroker) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	targets := make([]*memorySubscription, 0, len(b.subs[ev.RecipientID]))
	for s := range b.subs[ev.RecipientID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(ev) {
			b.logger.Warn().Str("recipient_id", ev.RecipientID.String()).Str("table", ev.Table).Msg("subscriber lagging, resync queued")
			observability.IncFeedEvent(ev.Table, "dropped")
		}
	}
	observability.IncFeedEvent(ev.Table, "published")
	return nil
}

// Subscribe registers a subscription for userID.
func (b *MemoryBroker) Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	s := &memorySubscription{
		broker: b,
		userID: userID,
		ch:     make(chan Event, memoryBuffer),
	}
	b.mu.Lock()
	if _, ok := b.subs[userID]; !ok {
		b.subs[userID] = make(map[*memorySubscription]struct{})
	}
	b.subs[userID][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// SubscriberCount reports live subscriptions for a user.
func (b *MemoryBroker) SubscriberCount(userID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.userID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, s.userID)
		}
	}
}

type memorySubscription struct {
	broker *MemoryBroker
	userID uuid.UUID

	mu     sync.Mutex
	closed bool
	ch     chan Event
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

// offer queues ev unless only the reserved slot is left. The channel only fills up through a
// resync, so a dropped event is always followed in the queue by a resync.
func (s *memorySubscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	switch free := cap(s.ch) - len(s.ch); {
	case free > 1:
		s.ch <- ev
		return true
	case free == 1:
		s.ch <- Event{Table: TableResync, Operation: OperationResync, RecipientID: s.userID}
		return false
	default:
		return false
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.broker.remove(s)
	return nil
}
