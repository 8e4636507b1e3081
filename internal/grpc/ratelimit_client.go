package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"dm-service/internal/observability"
	"dm-service/internal/ratelimit"
)

// CheckMethod is the unary method of the authoritative rate limiter.
const CheckMethod = "/ratelimit.v1.RateLimiter/Check"

// Dial opens an instrumented client connection.
func Dial(addr string) (*grpclib.ClientConn, error) {
	return grpclib.NewClient(addr,
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpclib.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}

// RateLimitClient asks the authoritative limiter to confirm an attempt.
type RateLimitClient struct {
	conn    grpclib.ClientConnInterface
	timeout time.Duration
}

// NewRateLimitClient constructs the wrapper.
func NewRateLimitClient(conn grpclib.ClientConnInterface, timeout time.Duration) *RateLimitClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RateLimitClient{conn: conn, timeout: timeout}
}

// Check implements ratelimit.RemoteChecker.
func (c *RateLimitClient) Check(ctx context.Context, subject, action string) (ratelimit.RemoteDecision, error) {
	req, err := structpb.NewStruct(map[string]any{
		"subject": subject,
		"action":  action,
	})
	if err != nil {
		return ratelimit.RemoteDecision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CheckMethod, req, resp); err != nil {
		return ratelimit.RemoteDecision{}, fmt.Errorf("remote rate limit check: %w", err)
	}

	fields := resp.GetFields()
	allowed, ok := fields["allowed"]
	if !ok {
		return ratelimit.RemoteDecision{}, errors.New("remote rate limit check: missing verdict")
	}
	decision := ratelimit.RemoteDecision{Allowed: allowed.GetBoolValue()}
	if v, ok := fields["retry_after_ms"]; ok {
		decision.RetryAfter = time.Duration(v.GetNumberValue()) * time.Millisecond
	}
	if v, ok := fields["message"]; ok {
		decision.Message = v.GetStringValue()
	}
	return decision, nil
}
