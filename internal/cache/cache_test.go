package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	return New(NewMemoryBackend(clock.Now), ttl, zerolog.Nop()), clock
}

func TestGetOrLoadReadsThrough(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := MessagesKey(uuid.New())
	loads := 0
	load := func(context.Context) ([]string, error) {
		loads++
		return []string{"a", "b"}, nil
	}

	first, err := GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	second, err := GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, loads)
}

func TestInvalidateForcesReload(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := ConversationsKey(uuid.New())
	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return loads, nil
	}

	v, err := GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	c.Invalidate(context.Background(), key)

	v, err = GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestEntriesExpireWithClock(t *testing.T) {
	c, clock := newTestCache(30 * time.Second)
	key := MessagesKey(uuid.New())
	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return loads, nil
	}

	_, err := GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	clock.Advance(29 * time.Second)
	_, err = GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	clock.Advance(time.Second)
	_, err = GetOrLoad(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestLoadErrorIsNotCached(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := MessagesKey(uuid.New())

	_, err := GetOrLoad(context.Background(), c, key, func(context.Context) (int, error) {
		return 0, errors.New("store down")
	})
	require.Error(t, err)

	v, err := GetOrLoad(context.Background(), c, key, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestLoadRacingInvalidateIsNotStored(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := MessagesKey(uuid.New())

	v, err := GetOrLoad(context.Background(), c, key, func(ctx context.Context) (int, error) {
		c.Invalidate(ctx, key)
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = GetOrLoad(context.Background(), c, key, func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestKeysAreIndependent(t *testing.T) {
	id := uuid.New()
	assert.NotEqual(t, MessagesKey(id).String(), ConversationsKey(id).String())
}

func TestInvalidationBookkeepingIsReleased(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		key := ConversationsKey(uuid.New())
		_, err := GetOrLoad(ctx, c, key, func(ctx context.Context) (int, error) {
			c.Invalidate(ctx, key)
			return i, nil
		})
		require.NoError(t, err)
		c.Invalidate(ctx, key, MessagesKey(uuid.New()))
	}
	_, _ = GetOrLoad(ctx, c, MessagesKey(uuid.New()), func(context.Context) (int, error) {
		return 0, errors.New("store down")
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.inflight)
}
