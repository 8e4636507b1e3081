package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"dm-service/internal/testsupport"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testsupport.Terminate()
	os.Exit(code)
}

func newValkeyClient(t *testing.T) valkey.Client {
	t.Helper()
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{testsupport.ValkeyAddr(t)},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestValkeyStoreKeepsBucketForRetention(t *testing.T) {
	client := newValkeyClient(t)
	store := NewValkeyStore(client)
	ctx := context.Background()
	key := BucketKey(ActionLogin, UserSubject(uuid.New()))

	empty, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, empty.Requests)

	until := time.Now().Add(15 * time.Minute).UnixMilli()
	require.NoError(t, store.Save(ctx, key, Bucket{Requests: []int64{1, 2}, BlockedUntil: &until}, 15*time.Minute))

	ttl, err := client.Do(ctx, client.B().Pttl().Key(key).Build()).AsInt64()
	require.NoError(t, err)
	assert.Greater(t, ttl, (14 * time.Minute).Milliseconds())
	assert.LessOrEqual(t, ttl, (15 * time.Minute).Milliseconds())

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, loaded.Requests)
	require.NotNil(t, loaded.BlockedUntil)
	assert.Equal(t, until, *loaded.BlockedUntil)
}

func TestValkeyStoreSharesStateAcrossLimiters(t *testing.T) {
	client := newValkeyClient(t)
	clk := newClock()
	rule := Rule{Max: 2, Window: time.Minute}
	first := newTestLimiter(NewValkeyStore(client), clk, rule, nil)
	second := New(NewValkeyStore(client), zerolog.Nop(), Options{Rules: map[string]Rule{testAction: rule}, Now: clk.Now})
	subject := AnonymousSubject("10.9.8.7")
	ctx := context.Background()

	require.True(t, first.Attempt(ctx, subject, testAction).Allowed)
	require.True(t, second.Attempt(ctx, subject, testAction).Allowed)
	assert.False(t, first.Attempt(ctx, subject, testAction).Allowed)
}
