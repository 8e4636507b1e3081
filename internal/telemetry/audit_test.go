package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	var got AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.dm-service", mock.AnythingOfType("telemetry.AuditEnvelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(AuditEnvelope) }).
		Return(nil)

	emitter := NewAuditEmitter(pub, "audit.dm-service", "dm-service", "test", zerolog.Nop())
	user := "6f1c1b8e-0000-4000-8000-000000000001"
	emitter.Emit(context.Background(), "req-1", &user, AuditPayload{Level: "INFO", Text: "message edited", MessageID: "m1"})

	pub.AssertExpectations(t)
	require.NotNil(t, got.UserID)
	assert.Equal(t, user, *got.UserID)
	assert.Equal(t, "audit_log", got.EventType)
	assert.Equal(t, "dm-service", got.Service)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Empty(t, got.TraceID)
	assert.Equal(t, "m1", got.Payload.MessageID)
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit", mock.Anything).Return(errors.New("broker down"))

	emitter := NewAuditEmitter(pub, "audit", "dm-service", "test", zerolog.Nop())
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "", nil, AuditPayload{Level: "WARN", Text: "edit denied"})
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "", nil, AuditPayload{})
	})
}
