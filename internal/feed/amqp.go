package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
)

// AMQPBroker fans change events through a RabbitMQ topic exchange. Each subscription owns an
// exclusive auto-delete queue bound to the recipient's routing keys only.
type AMQPBroker struct {
	conn      *amqp.Connection
	exchange  string
	publisher rabbitmq.Publisher
	logger    zerolog.Logger
}

// NewAMQPBroker dials a consumer connection and declares the change exchange. Publishing goes
// through publisher, which must target the same exchange.
func NewAMQPBroker(url, exchange string, publisher rabbitmq.Publisher, logger zerolog.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPBroker{
		conn:      conn,
		exchange:  exchange,
		publisher: publisher,
		logger:    logger.With().Str("component", "feed.amqp").Logger(),
	}, nil
}

// Publish sends ev with the recipient's routing key.
func (b *AMQPBroker) Publish(ctx context.Context, ev Event) error {
	if err := b.publisher.Publish(ctx, RoutingKey(ev.Table, ev.RecipientID), ev); err != nil {
		observability.IncAMQPPublishError()
		return err
	}
	observability.IncFeedEvent(ev.Table, "published")
	return nil
}

// Subscribe binds a private queue to the user's message and participant routing keys.
func (b *AMQPBroker) Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{RoutingKey(TableMessages, userID), RoutingKey(TableParticipants, userID)} {
		if err := ch.QueueBind(q.Name, key, b.exchange, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	sub := &amqpSubscription{
		ch:     ch,
		out:    make(chan Event, memoryBuffer),
		done:   make(chan struct{}),
		logger: b.logger.With().Str("user_id", userID.String()).Logger(),
	}
	go sub.pump(deliveries)
	return sub, nil
}

// Close releases the consumer connection.
func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

type amqpSubscription struct {
	ch     *amqp.Channel
	out    chan Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (s *amqpSubscription) Events() <-chan Event { return s.out }

func (s *amqpSubscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for d := range deliveries {
		var ev Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			s.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("discarding malformed change event")
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ch.Close()
	})
	return err
}
