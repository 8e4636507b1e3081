package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/apperrors"
	"dm-service/internal/cache"
	"dm-service/internal/inbox"
	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/ratelimit"
	"dm-service/internal/storage/memory"
	"dm-service/internal/telemetry"
)

const (
	testSecret     = "handler-secret"
	testAuditRoute = "audit.dm-service"
)

type testServer struct {
	router    *gin.Engine
	store     *memory.Store
	publisher *mocks.PublisherMock
}

func newTestServer(t *testing.T, rules map[string]ratelimit.Rule) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New(memory.Options{Logger: zerolog.Nop()})
	c := cache.New(cache.NewMemoryBackend(time.Now), 30*time.Second, zerolog.Nop())
	agg := inbox.NewAggregator(store, store, c, zerolog.Nop(), inbox.Options{})
	channel := messaging.NewChannel(store, store, c, zerolog.Nop(), messaging.Options{TTL: time.Hour, RetryDelay: time.Millisecond})
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), zerolog.Nop(), ratelimit.Options{Rules: rules})

	publisher := &mocks.PublisherMock{}
	publisher.On("Publish", mock.Anything, testAuditRoute, mock.Anything).Return(nil)
	audit := telemetry.NewAuditEmitter(publisher, testAuditRoute, "dm-service", "test", zerolog.Nop())

	router, err := NewRouter(RouterDeps{
		Conversations: NewConversationHandler(agg, channel),
		Messages:      NewMessageHandler(channel, audit),
		RateLimits:    NewRateLimitHandler(limiter),
		Verifier:      middleware.NewTokenVerifier(testSecret),
		Gate:          limiter,
		Audit:         audit,
	})
	require.NoError(t, err)
	return &testServer{router: router, store: store, publisher: publisher}
}

func token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID.String()}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) start(t *testing.T, from, to uuid.UUID) uuid.UUID {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/conversations/start", from, gin.H{"user_id": to.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		ConversationID uuid.UUID `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ConversationID
}

func (s *testServer) send(t *testing.T, from, conv uuid.UUID, content string) models.Message {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/conversations/"+conv.String()+"/messages", from, gin.H{"content": content})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	return msg
}

func (s *testServer) inbox(t *testing.T, userID uuid.UUID) models.ConversationList {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/conversations", userID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.ConversationList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	return list
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	a, b := uuid.New(), uuid.New()

	conv := s.start(t, a, b)
	assert.Equal(t, conv, s.start(t, b, a))

	s.send(t, a, conv, "hello")
	assert.Equal(t, 1, s.inbox(t, b).TotalUnread)
	assert.Equal(t, 0, s.inbox(t, a).TotalUnread)

	rec := s.do(t, http.MethodGet, "/conversations/"+conv.String()+"/messages", b, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "hello", body.Messages[0].Content)
	assert.NotContains(t, rec.Body.String(), "client_token")

	rec = s.do(t, http.MethodPost, "/conversations/"+conv.String()+"/read", b, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.inbox(t, b).TotalUnread)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	rec := s.do(t, http.MethodGet, "/conversations", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartConversationValidation(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	me := uuid.New()

	rec := s.do(t, http.MethodPost, "/conversations/start", me, gin.H{"user_id": me.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/conversations/start", me, gin.H{"user_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendValidationAndPermissions(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	a, b := uuid.New(), uuid.New()
	conv := s.start(t, a, b)

	rec := s.do(t, http.MethodPost, "/conversations/"+conv.String()+"/messages", a, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/conversations/"+conv.String()+"/messages", uuid.New(), gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/conversations/not-a-uuid/messages", a, gin.H{"content": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditByOtherUserIsForbiddenAndAudited(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	a, b := uuid.New(), uuid.New()
	conv := s.start(t, a, b)
	msg := s.send(t, a, conv, "mine")

	rec := s.do(t, http.MethodPatch, "/messages/"+msg.ID.String(), b, gin.H{"content": "yours"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not edit message")

	stored, err := s.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.Content)

	s.publisher.AssertCalled(t, "Publish", mock.Anything, testAuditRoute, mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Level == "WARN" && env.Payload.MessageID == msg.ID.String()
	}))
}

func TestEditAndDeleteBySender(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	a, b := uuid.New(), uuid.New()
	conv := s.start(t, a, b)
	msg := s.send(t, a, conv, "draft")

	rec := s.do(t, http.MethodPatch, "/messages/"+msg.ID.String(), a, gin.H{"content": "final"})
	require.Equal(t, http.StatusOK, rec.Code)
	var edited models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edited))
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "final", edited.Content)

	rec = s.do(t, http.MethodDelete, "/messages/"+msg.ID.String(), a, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodDelete, "/messages/"+msg.ID.String(), a, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.publisher.AssertCalled(t, "Publish", mock.Anything, testAuditRoute, mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Text == "message deleted" && env.Payload.ConversationID == conv.String()
	}))
}

func TestSendIsRateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules()
	rules[ratelimit.ActionSendMessage] = ratelimit.Rule{Max: 1, Window: time.Minute, Lockout: time.Minute}
	s := newTestServer(t, rules)
	a, b := uuid.New(), uuid.New()
	conv := s.start(t, a, b)

	s.send(t, a, conv, "one")
	rec := s.do(t, http.MethodPost, "/conversations/"+conv.String()+"/messages", a, gin.H{"content": "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Too many requests. Try again in 60 seconds.")
}

func TestRateLimitEndpointsForAnonymousCallers(t *testing.T) {
	rules := map[string]ratelimit.Rule{ratelimit.ActionCreateTopic: {Max: 2, Window: time.Minute}}
	s := newTestServer(t, rules)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/rate-limits/topic.create/attempt", uuid.Nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/rate-limits/topic.create/attempt", uuid.Nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodGet, "/rate-limits/topic.create", uuid.New(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"action":"topic.create","remaining":2}`, rec.Body.String())
}

func (s *testServer) attemptFrom(t *testing.T, action, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rate-limits/"+action+"/attempt", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestAnonymousBucketsArePerClient(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())

	for i := 0; i < 5; i++ {
		rec := s.attemptFrom(t, ratelimit.ActionLogin, "10.0.0.1:5000", nil)
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
	}
	rec := s.attemptFrom(t, ratelimit.ActionLogin, "10.0.0.1:5001", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	rec = s.attemptFrom(t, ratelimit.ActionLogin, "10.0.0.2:5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allowed":true,"remaining":4}`, rec.Body.String())

	// untrusted peers cannot pick another client's bucket
	rec = s.attemptFrom(t, ratelimit.ActionLogin, "10.0.0.3:5000", http.Header{"X-Forwarded-For": {"10.0.0.1"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErrorStatuses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
	}{
		{apperrors.ErrUnauthenticated, http.StatusUnauthorized},
		{apperrors.ErrEmptyMessage, http.StatusBadRequest},
		{apperrors.ErrNotParticipant, http.StatusForbidden},
		{apperrors.ErrMessageAbsent, http.StatusNotFound},
		{apperrors.RateLimited("slow down"), http.StatusTooManyRequests},
		{apperrors.ErrSendFailed(errors.New("db down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		writeError(c, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.NotContains(t, rec.Body.String(), "db down")
		assert.NotContains(t, rec.Body.String(), "boom")
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, ratelimit.DefaultRules())
	rec := s.do(t, http.MethodGet, "/health", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugAuditEmitsMessageRecord(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := &mocks.PublisherMock{}
	publisher.On("Publish", mock.Anything, testAuditRoute, mock.Anything).Return(nil)
	audit := telemetry.NewAuditEmitter(publisher, testAuditRoute, "dm-service", "test", zerolog.Nop())

	router := gin.New()
	RegisterDebugRoutes(router, audit, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/audit/deleted", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertCalled(t, "Publish", mock.Anything, testAuditRoute, mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Text == "message deleted (debug)" && env.Payload.MessageID != "" && env.Payload.ConversationID != ""
	}))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/audit/renamed", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := gin.New()
	RegisterDebugRoutes(disabled, audit, false)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/audit/edited", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
