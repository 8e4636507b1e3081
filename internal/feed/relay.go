package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
)

const relayPingInterval = 90 * time.Second

// Relay listens for store notifications and republishes them to a broker.
type Relay struct {
	dsn       string
	channel   string
	publisher Publisher
	logger    zerolog.Logger
}

// NewRelay constructs a relay listening on the given NOTIFY channel.
func NewRelay(dsn, channel string, publisher Publisher, logger zerolog.Logger) *Relay {
	return &Relay{
		dsn:       dsn,
		channel:   channel,
		publisher: publisher,
		logger:    logger.With().Str("component", "feed.relay").Logger(),
	}
}

// Run blocks until ctx is cancelled. Reconnection is handled by the pq listener.
func (r *Relay) Run(ctx context.Context) error {
	listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			r.logger.Warn().Err(err).Int("event", int(ev)).Msg("listener state change")
		}
	})
	defer listener.Close()

	if err := listener.Listen(r.channel); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relay listening")

	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; notifications sent while disconnected are lost.
			if n == nil {
				r.logger.Info().Msg("listener reconnected")
				continue
			}
			if err := r.Dispatch(ctx, n.Extra); err != nil {
				r.logger.Error().Err(err).Msg("relay dispatch failed")
			}
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					r.logger.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

// Dispatch decodes one notification payload and publishes it.
func (r *Relay) Dispatch(ctx context.Context, payload string) error {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		observability.IncFeedEvent("unknown", "malformed")
		return fmt.Errorf("decode notification: %w", err)
	}
	if ev.Table != TableMessages && ev.Table != TableParticipants {
		observability.IncFeedEvent(ev.Table, "ignored")
		return nil
	}
	return r.publisher.Publish(ctx, ev)
}
