package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
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

func TestValkeyBackendExpiresWithTTL(t *testing.T) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{testsupport.ValkeyAddr(t)},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	backend := NewValkeyBackend(client)
	ctx := context.Background()
	key := MessagesKey(uuid.New()).String()

	_, ok, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Set(ctx, key, []byte(`{"a":1}`), 30*time.Second))
	ttl, err := client.Do(ctx, client.B().Pttl().Key(key).Build()).AsInt64()
	require.NoError(t, err)
	assert.Greater(t, ttl, (29 * time.Second).Milliseconds())
	assert.LessOrEqual(t, ttl, (30 * time.Second).Milliseconds())

	raw, ok, err := backend.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	require.NoError(t, backend.Delete(ctx, key))
	_, ok, err = backend.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
