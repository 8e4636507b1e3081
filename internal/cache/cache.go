// Package cache is a read-through cache keyed by (resource kind, resource id) with explicit
// invalidation.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/observability"
)

const (
	KindConversations = "conversations"
	KindMessages      = "messages"
)

// Key identifies a cached resource.
type Key struct {
	Kind string
	ID   uuid.UUID
}

func (k Key) String() string {
	return "dm:" + k.Kind + ":" + k.ID.String()
}

func ConversationsKey(userID uuid.UUID) Key { return Key{Kind: KindConversations, ID: userID} }

func MessagesKey(conversationID uuid.UUID) Key { return Key{Kind: KindMessages, ID: conversationID} }

// Backend stores encoded values.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Cache is safe for concurrent use.
//
// Loads racing an Invalidate in the same process are not stored. Only keys with a load in
// flight are tracked, so the bookkeeping is bounded by concurrent loads. An invalidation from
// another instance sharing a Valkey backend is not seen by in-flight loads here; such an entry
// lives at most one TTL.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*loadState
}

type loadState struct {
	generation uint64
	loads      int
}

// New constructs a Cache writing entries with the given TTL.
func New(backend Backend, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		backend:  backend,
		ttl:      ttl,
		logger:   logger.With().Str("component", "cache").Logger(),
		inflight: make(map[string]*loadState),
	}
}

// GetOrLoad returns the cached value for key or loads, stores and returns it. Backend errors
// fall through to load. A load that races with Invalidate is returned but not stored.
func GetOrLoad[T any](ctx context.Context, c *Cache, key Key, load func(context.Context) (T, error)) (T, error) {
	k := key.String()

	raw, ok, err := c.backend.Get(ctx, k)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("key", k).Msg("cache get failed")
	case ok:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			observability.IncCacheLookup(key.Kind, true)
			return v, nil
		}
		c.logger.Warn().Str("key", k).Msg("discarding undecodable cache entry")
	}
	observability.IncCacheLookup(key.Kind, false)

	gen := c.beginLoad(k)
	v, err := load(ctx)
	fresh := c.endLoad(k, gen)
	if err != nil {
		return v, err
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", k).Msg("cache encode failed")
		return v, nil
	}
	if !fresh {
		return v, nil
	}
	if err := c.backend.Set(ctx, k, encoded, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", k).Msg("cache set failed")
	}
	return v, nil
}

// Invalidate drops the given keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...Key) {
	if len(keys) == 0 {
		return
	}
	names := make([]string, 0, len(keys))
	c.mu.Lock()
	for _, key := range keys {
		k := key.String()
		if st, ok := c.inflight[k]; ok {
			st.generation++
		}
		names = append(names, k)
	}
	c.mu.Unlock()

	if err := c.backend.Delete(ctx, names...); err != nil {
		c.logger.Warn().Err(err).Strs("keys", names).Msg("cache invalidate failed")
	}
}

func (c *Cache) beginLoad(k string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.inflight[k]
	if !ok {
		st = &loadState{}
		c.inflight[k] = st
	}
	st.loads++
	return st.generation
}

// endLoad reports whether no Invalidate of k happened since beginLoad returned gen.
func (c *Cache) endLoad(k string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.inflight[k]
	st.loads--
	if st.loads == 0 {
		delete(c.inflight, k)
	}
	return st.generation == gen
}
