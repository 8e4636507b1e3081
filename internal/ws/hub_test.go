package ws

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type countingStopper struct{ stops int }

func (c *countingStopper) Stop() { c.stops++ }

func TestHubAddAndRemoveSession(t *testing.T) {
	hub := NewHub()
	userID := uuid.New()
	first := newSession(nil, ConnInfo{UserID: userID})
	second := newSession(nil, ConnInfo{UserID: userID})

	hub.Add(first)
	hub.Add(second)
	assert.Equal(t, 2, hub.Count(userID))
	assert.Equal(t, 2, hub.Total())

	hub.Remove(first)
	assert.Equal(t, 1, hub.Count(userID))

	hub.Remove(second)
	assert.Equal(t, 0, hub.Count(userID))
	assert.Empty(t, hub.sessions)
}

func TestHubCloseAllStopsControllers(t *testing.T) {
	hub := NewHub()
	stopper := &countingStopper{}
	s := newSession(nil, ConnInfo{UserID: uuid.New()})
	s.attach(stopper)
	hub.Add(s)

	hub.CloseAll()
	hub.CloseAll()

	assert.Equal(t, 1, stopper.stops)
	assert.Equal(t, 0, hub.Total())
	assert.ErrorIs(t, s.Notify(context.Background(), testNotification()), errSessionClosed)
}
