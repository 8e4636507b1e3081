// Package inbox builds the enriched per-user conversation list.
package inbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"dm-service/internal/apperrors"
	"dm-service/internal/cache"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

var tracer = otel.Tracer("dm-service/inbox")

// Options tunes the aggregator.
type Options struct {
	// Concurrency bounds how many conversations are enriched at once.
	Concurrency int
}

// Aggregator lists conversations with participants, last message and unread counts.
type Aggregator struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	cache         *cache.Cache
	logger        zerolog.Logger
	concurrency   int
}

// NewAggregator wires the aggregator.
func NewAggregator(conversations repositories.ConversationRepository, messages repositories.MessageRepository, c *cache.Cache, logger zerolog.Logger, opts Options) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Aggregator{
		conversations: conversations,
		messages:      messages,
		cache:         c,
		logger:        logger.With().Str("component", "inbox").Logger(),
		concurrency:   opts.Concurrency,
	}
}

// ListConversations returns the user's conversations, most recently active first.
// Entries whose enrichment failed are returned degraded rather than failing the list.
func (a *Aggregator) ListConversations(ctx context.Context, userID uuid.UUID) (models.ConversationList, error) {
	if userID == uuid.Nil {
		return models.ConversationList{}, apperrors.ErrUnauthenticated
	}
	ctx, span := tracer.Start(ctx, "inbox.ListConversations")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID.String()))

	key := cache.ConversationsKey(userID)
	list, err := cache.GetOrLoad(ctx, a.cache, key, func(ctx context.Context) (models.ConversationList, error) {
		return a.load(ctx, userID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list conversations")
		return models.ConversationList{}, err
	}
	if hasDegraded(list) {
		a.cache.Invalidate(ctx, key)
	}
	return list, nil
}

func (a *Aggregator) load(ctx context.Context, userID uuid.UUID) (models.ConversationList, error) {
	ids, err := a.conversations.ListConversationIDs(ctx, userID)
	if err != nil {
		return models.ConversationList{}, apperrors.StoreUnavailable("could not load conversations", err)
	}
	convs, err := a.conversations.GetConversations(ctx, ids)
	if err != nil {
		return models.ConversationList{}, apperrors.StoreUnavailable("could not load conversations", err)
	}

	views := make([]models.ConversationView, len(convs))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, conv := range convs {
		g.Go(func() error {
			views[i] = a.enrich(ctx, userID, conv)
			return nil
		})
	}
	_ = g.Wait()

	list := models.ConversationList{Conversations: views}
	for _, v := range views {
		list.TotalUnread += v.UnreadCount
	}
	return list, nil
}

// enrich never fails; a failed lookup marks the view degraded.
func (a *Aggregator) enrich(ctx context.Context, userID uuid.UUID, conv models.Conversation) models.ConversationView {
	view := models.ConversationView{Conversation: conv, Participants: []models.ParticipantProfile{}}

	var (
		participants []models.ParticipantProfile
		latest       *models.Message
		self         models.Participant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		participants, err = a.conversations.ListParticipants(gctx, conv.ID)
		return a.stageErr("participants", err)
	})
	g.Go(func() error {
		var err error
		latest, err = a.messages.LatestVisibleMessage(gctx, conv.ID)
		return a.stageErr("last_message", err)
	})
	g.Go(func() error {
		var err error
		self, err = a.conversations.GetParticipant(gctx, conv.ID, userID)
		return a.stageErr("participant", err)
	})
	if err := g.Wait(); err != nil {
		return a.degrade(view, conv.ID, err)
	}

	unread, err := a.messages.CountUnread(ctx, conv.ID, userID, self.LastReadAt)
	if err := a.stageErr("unread", err); err != nil {
		return a.degrade(view, conv.ID, err)
	}

	view.Participants = participants
	view.LastMessage = latest
	view.UnreadCount = unread
	return view
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (a *Aggregator) stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

func (a *Aggregator) degrade(view models.ConversationView, conversationID uuid.UUID, err error) models.ConversationView {
	stage := "unknown"
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	observability.IncEnrichmentFailure(stage)
	a.logger.Warn().Err(err).Str("conversation_id", conversationID.String()).Str("stage", stage).Msg("conversation enrichment failed")

	view.Degraded = true
	view.LastMessage = nil
	view.UnreadCount = 0
	return view
}

// StartConversation returns the two-party conversation with otherID, creating it if needed.
func (a *Aggregator) StartConversation(ctx context.Context, userID, otherID uuid.UUID) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, apperrors.ErrUnauthenticated
	}
	if otherID == uuid.Nil {
		return uuid.Nil, apperrors.InvalidArg("user_id is required")
	}
	if otherID == userID {
		return uuid.Nil, apperrors.ErrSelfConversation
	}
	ctx, span := tracer.Start(ctx, "inbox.StartConversation")
	defer span.End()

	id, err := a.conversations.FindExistingConversation(ctx, userID, otherID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		span.RecordError(err)
		return uuid.Nil, apperrors.StoreUnavailable("could not start conversation", err)
	}

	id, err = a.conversations.CreateConversationWithParticipants(ctx, []uuid.UUID{userID, otherID})
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, apperrors.StoreUnavailable("could not start conversation", err)
	}
	a.cache.Invalidate(ctx, cache.ConversationsKey(userID), cache.ConversationsKey(otherID))
	a.logger.Info().Str("conversation_id", id.String()).Msg("conversation started")
	return id, nil
}

// InvalidateConversationList drops the cached list of userID.
func (a *Aggregator) InvalidateConversationList(ctx context.Context, userID uuid.UUID) {
	a.cache.Invalidate(ctx, cache.ConversationsKey(userID))
}

func hasDegraded(list models.ConversationList) bool {
	for _, v := range list.Conversations {
		if v.Degraded {
			return true
		}
	}
	return false
}
