package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/ratelimit"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier(testSecret)
	userID := uuid.New()

	got, err := v.Verify(signToken(t, testSecret, userID.String(), jwt.SigningMethodHS256))
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = v.Verify(signToken(t, "other", userID.String(), jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(signToken(t, testSecret, "42", jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(signToken(t, testSecret, userID.String(), jwt.SigningMethodHS512))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newAuthRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	r.GET("/", handlers...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newAuthRouter(AuthMiddleware(NewTokenVerifier(testSecret)))
	userID := uuid.New()

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"bad token", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, testSecret, userID.String(), jwt.SigningMethodHS256), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Contains(t, rec.Body.String(), userID.String())
			}
		})
	}
}

func TestOptionalAuthAllowsAnonymous(t *testing.T) {
	r := newAuthRouter(OptionalAuth(NewTokenVerifier(testSecret)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), uuid.Nil.String())
}

type fixedGate struct {
	decision ratelimit.Decision
	action   string
	subject  string
}

func (g *fixedGate) Attempt(ctx context.Context, subject, action string) ratelimit.Decision {
	g.action, g.subject = action, subject
	return g.decision
}

func TestRateLimitDenies(t *testing.T) {
	gate := &fixedGate{decision: ratelimit.Decision{
		Allowed:    false,
		RetryAfter: 45 * time.Second,
		Message:    "Too many requests. Try again in 45 seconds.",
	}}
	r := newAuthRouter(RateLimit(gate, ratelimit.ActionSendMessage))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Try again in 45 seconds")
	assert.Equal(t, ratelimit.ActionSendMessage, gate.action)
}

func TestRateLimitAllows(t *testing.T) {
	gate := &fixedGate{decision: ratelimit.Decision{Allowed: true, Remaining: 4}}
	r := newAuthRouter(RateLimit(gate, ratelimit.ActionEditMessage))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitSubject(t *testing.T) {
	gate := &fixedGate{decision: ratelimit.Decision{Allowed: true}}
	r := newAuthRouter(OptionalAuth(NewTokenVerifier(testSecret)), RateLimit(gate, ratelimit.ActionLogin))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "anonymous:10.1.2.3", gate.subject)

	userID := uuid.New()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, userID.String(), jwt.SigningMethodHS256))
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, userID.String(), gate.subject)
}
