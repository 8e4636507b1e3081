package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"dm-service/internal/feed"
	"dm-service/internal/livesync"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
)

const (
	wsKind       = "sync"
	wsRoutingKey = "ws_events.sync"
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// SyncHandler serves GET /ws/sync: one live sync controller per connection.
type SyncHandler struct {
	hub           *Hub
	verifier      middleware.Verifier
	subscriber    feed.Subscriber
	conversations livesync.ConversationInvalidator
	messages      livesync.MessageInvalidator
	logger        zerolog.Logger
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(hub *Hub, verifier middleware.Verifier, subscriber feed.Subscriber, conversations livesync.ConversationInvalidator, messages livesync.MessageInvalidator, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		hub:           hub,
		verifier:      verifier,
		subscriber:    subscriber,
		conversations: conversations,
		messages:      messages,
		logger:        logger.With().Str("component", "ws").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and runs the session until the client goes away.
func (h *SyncHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	session := newSession(conn, info)

	// the session outlives the handshake request
	sessionCtx, cancel := context.WithCancel(context.Background())
	controller := livesync.New(userID, h.subscriber, h.conversations, h.messages, session, h.logger)
	if err := controller.Start(sessionCtx); err != nil {
		cancel()
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("live sync unavailable")
		session.Close(websocket.CloseInternalServerErr, "live sync unavailable")
		return
	}
	session.attach(controller)
	h.hub.Add(session)

	observability.IncWSActive(wsKind)
	h.publish(sessionCtx, info, "ws_connect", "")

	go h.keepAlive(session, controller.Done())
	go func() {
		defer cancel()
		reason := h.readLoop(session)
		h.hub.Remove(session)
		session.Close(websocket.CloseNormalClosure, "")
		observability.DecWSActive(wsKind)
		h.publish(sessionCtx, info, "ws_disconnect", reason)
	}()
}

// readLoop drains client frames until the connection fails and returns the reason.
func (h *SyncHandler) readLoop(s *Session) string {
	conn := s.conn
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publish(context.Background(), s.info, "ws_error", err.Error())
			}
			return err.Error()
		}
	}
}

// keepAlive pings the client and closes the session once the feed ends.
func (h *SyncHandler) keepAlive(s *Session, feedDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-feedDone:
			s.Close(websocket.CloseTryAgainLater, "live sync ended")
			return
		case <-ticker.C:
			s.writeMu.Lock()
			closed := s.closed
			var err error
			if !closed {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			s.writeMu.Unlock()
			if closed || err != nil {
				return
			}
		}
	}
}

func (h *SyncHandler) publish(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        wsKind,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID.String(),
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	})
}
