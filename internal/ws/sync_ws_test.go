package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/feed"
	"dm-service/internal/models"
)

type staticVerifier map[string]uuid.UUID

func (v staticVerifier) Verify(token string) (uuid.UUID, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return uuid.Nil, errors.New("invalid token")
}

type invalidations struct {
	mu    sync.Mutex
	lists int
	msgs  int
}

func (i *invalidations) InvalidateConversationList(ctx context.Context, userID uuid.UUID) {
	i.mu.Lock()
	i.lists++
	i.mu.Unlock()
}

func (i *invalidations) InvalidateMessages(ctx context.Context, conversationID uuid.UUID) {
	i.mu.Lock()
	i.msgs++
	i.mu.Unlock()
}

func testNotification() models.Notification {
	return models.Notification{Type: models.NotifyConversationsInvalidated}
}

func newSyncServer(t *testing.T, userID uuid.UUID) (*httptest.Server, *Hub, *feed.MemoryBroker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	broker := feed.NewMemoryBroker(zerolog.Nop())
	inv := &invalidations{}
	handler := NewSyncHandler(hub, staticVerifier{"good": userID}, broker, inv, inv, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/sync", handler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, hub, broker
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sync?token=" + token
}

func TestSyncRejectsInvalidToken(t *testing.T) {
	srv, _, _ := newSyncServer(t, uuid.New())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSyncDeliversNotifications(t *testing.T) {
	userID := uuid.New()
	srv, hub, broker := newSyncServer(t, userID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "good"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount(userID) == 1 && hub.Count(userID) == 1
	}, time.Second, 5*time.Millisecond)

	conv, sender := uuid.New(), uuid.New()
	ev, err := feed.NewEvent(feed.TableMessages, userID, feed.MessageRow{ID: uuid.New(), ConversationID: conv, SenderID: sender, CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), ev))

	var got []string
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 3 {
		var n models.Notification
		require.NoError(t, conn.ReadJSON(&n))
		assert.Equal(t, conv, n.ConversationID)
		got = append(got, n.Type)
	}
	assert.Contains(t, got, models.NotifyNewMessage)
}

func TestSyncReleasesSubscriptionOnDisconnect(t *testing.T) {
	userID := uuid.New()
	srv, hub, broker := newSyncServer(t, userID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "good"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Count(userID) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount(userID) == 0 && hub.Count(userID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
