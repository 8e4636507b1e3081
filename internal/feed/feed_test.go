package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryBrokerRoutesByRecipient(t *testing.T) {
	broker := NewMemoryBroker(zerolog.Nop())
	alice, bob := uuid.New(), uuid.New()

	aliceSub, err := broker.Subscribe(context.Background(), alice)
	require.NoError(t, err)
	bobSub, err := broker.Subscribe(context.Background(), bob)
	require.NoError(t, err)

	row := MessageRow{ID: uuid.New(), ConversationID: uuid.New(), SenderID: bob}
	ev, err := NewEvent(TableMessages, alice, row)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), ev))

	got := receive(t, aliceSub)
	decoded, err := got.MessageRow()
	require.NoError(t, err)
	assert.Equal(t, row.ID, decoded.ID)
	assert.Equal(t, bob, decoded.SenderID)

	select {
	case ev := <-bobSub.Events():
		t.Fatalf("bob received alice's event: %+v", ev)
	default:
	}
}

func TestMemoryBrokerCloseReleasesSubscription(t *testing.T) {
	broker := NewMemoryBroker(zerolog.Nop())
	user := uuid.New()

	sub, err := broker.Subscribe(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.SubscriberCount(user))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, broker.SubscriberCount(user))

	_, ok := <-sub.Events()
	assert.False(t, ok)

	ev, err := NewEvent(TableParticipants, user, ParticipantRow{UserID: user})
	require.NoError(t, err)
	assert.NoError(t, broker.Publish(context.Background(), ev))
}

func TestMemoryBrokerQueuesResyncForLaggingSubscriber(t *testing.T) {
	broker := NewMemoryBroker(zerolog.Nop())
	user := uuid.New()
	sub, err := broker.Subscribe(context.Background(), user)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < memoryBuffer+10; i++ {
		ev, err := NewEvent(TableMessages, user, MessageRow{ID: uuid.New(), ConversationID: uuid.New()})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), ev))
	}

	var tables []string
	for i := 0; i < memoryBuffer; i++ {
		tables = append(tables, receive(t, sub).Table)
	}
	for _, table := range tables[:memoryBuffer-1] {
		assert.Equal(t, TableMessages, table)
	}
	last := tables[memoryBuffer-1]
	assert.Equal(t, TableResync, last)

	// once drained the subscriber receives events again
	ev, err := NewEvent(TableParticipants, user, ParticipantRow{UserID: user})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), ev))
	assert.Equal(t, TableParticipants, receive(t, sub).Table)
}

func TestRelayDispatchPublishesStoreNotification(t *testing.T) {
	broker := NewMemoryBroker(zerolog.Nop())
	relay := NewRelay("", "dm_changes", broker, zerolog.Nop())
	recipient, conversation := uuid.New(), uuid.New()

	sub, err := broker.Subscribe(context.Background(), recipient)
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"table":"conversation_participants","operation":"INSERT","recipient_id":%q,"row":{"conversation_id":%q,"user_id":%q,"joined_at":"2026-10-16T10:00:00Z"}}`,
		recipient, conversation, recipient)
	require.NoError(t, relay.Dispatch(context.Background(), payload))

	ev := receive(t, sub)
	assert.Equal(t, TableParticipants, ev.Table)
	row, err := ev.ParticipantRow()
	require.NoError(t, err)
	assert.Equal(t, conversation, row.ConversationID)
}

func TestRelayDispatchRejectsMalformedPayload(t *testing.T) {
	relay := NewRelay("", "dm_changes", NewMemoryBroker(zerolog.Nop()), zerolog.Nop())
	assert.Error(t, relay.Dispatch(context.Background(), "not json"))
	assert.NoError(t, relay.Dispatch(context.Background(), `{"table":"profiles","operation":"INSERT"}`))
}

func TestRoutingKey(t *testing.T) {
	id := uuid.MustParse("6f1c3b7e-2f5d-4c1a-9a57-0d3c1b2e4f60")
	assert.Equal(t, "messages.6f1c3b7e-2f5d-4c1a-9a57-0d3c1b2e4f60", RoutingKey(TableMessages, id))
	assert.Equal(t, "participants.6f1c3b7e-2f5d-4c1a-9a57-0d3c1b2e4f60", RoutingKey(TableParticipants, id))
}
