// Package feed carries row-level change events from the conversation store to live sessions.
// Events are addressed to one recipient; subscribers only ever see their own events.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TableMessages     = "messages"
	TableParticipants = "conversation_participants"
	// TableResync marks a catch-up event: events for the recipient were dropped and every
	// view derived from the feed must be refreshed.
	TableResync = "resync"

	OperationInsert = "INSERT"
	OperationResync = "RESYNC"
)

var ErrClosed = errors.New("feed closed")

// Event is one change notification for one recipient.
type Event struct {
	Table       string          `json:"table"`
	Operation   string          `json:"operation"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	Row         json.RawMessage `json:"row"`
}

// MessageRow is the projection of a message insert carried on the feed.
type MessageRow struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ParticipantRow is the projection of a participant insert carried on the feed.
type ParticipantRow struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

func (e Event) MessageRow() (MessageRow, error) {
	var row MessageRow
	err := json.Unmarshal(e.Row, &row)
	return row, err
}

func (e Event) ParticipantRow() (ParticipantRow, error) {
	var row ParticipantRow
	err := json.Unmarshal(e.Row, &row)
	return row, err
}

// NewEvent builds an event with row encoded as JSON.
func NewEvent(table string, recipientID uuid.UUID, row any) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, err
	}
	return Event{Table: table, Operation: OperationInsert, RecipientID: recipientID, Row: raw}, nil
}

// Publisher routes an event to its recipient's subscriptions.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber opens per-user subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error)
}

// Subscription delivers events until Close. Events is closed once the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Broker is both ends of the feed.
type Broker interface {
	Publisher
	Subscriber
}

// RoutingKey returns the per-recipient routing key of an event, e.g. messages.<uuid>.
func RoutingKey(table string, recipientID uuid.UUID) string {
	prefix := "messages"
	if table == TableParticipants {
		prefix = "participants"
	}
	return prefix + "." + recipientID.String()
}
