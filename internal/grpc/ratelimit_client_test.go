package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeConn struct {
	method string
	req    *structpb.Struct
	resp   map[string]any
	err    error
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args any, reply any, opts ...grpclib.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	out, err := structpb.NewStruct(f.resp)
	if err != nil {
		return err
	}
	reply.(*structpb.Struct).Fields = out.Fields
	return nil
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpclib.StreamDesc, method string, opts ...grpclib.CallOption) (grpclib.ClientStream, error) {
	return nil, errors.New("not supported")
}

func TestCheckSendsSubjectAndAction(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"allowed": true}}
	client := NewRateLimitClient(conn, time.Second)

	decision, err := client.Check(context.Background(), "user-1", "auth.login")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, CheckMethod, conn.method)
	assert.Equal(t, "user-1", conn.req.Fields["subject"].GetStringValue())
	assert.Equal(t, "auth.login", conn.req.Fields["action"].GetStringValue())
}

func TestCheckDecodesDenial(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{
		"allowed":        false,
		"retry_after_ms": 90000,
		"message":        "locked",
	}}
	decision, err := NewRateLimitClient(conn, 0).Check(context.Background(), "anonymous", "auth.signup")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 90*time.Second, decision.RetryAfter)
	assert.Equal(t, "locked", decision.Message)
}

func TestCheckRejectsMissingVerdict(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{}}
	_, err := NewRateLimitClient(conn, 0).Check(context.Background(), "u", "auth.login")
	assert.Error(t, err)
}

func TestCheckPropagatesTransportError(t *testing.T) {
	conn := &fakeConn{err: errors.New("unavailable")}
	_, err := NewRateLimitClient(conn, 0).Check(context.Background(), "u", "auth.login")
	assert.ErrorContains(t, err, "unavailable")
}
