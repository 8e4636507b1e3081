package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Bucket is the persisted state of one (action, user) pair. Timestamps are unix milliseconds.
type Bucket struct {
	Requests     []int64 `json:"requests"`
	BlockedUntil *int64  `json:"blockedUntil"`
}

// BucketStore persists buckets. Load returns an empty bucket for unknown keys.
type BucketStore interface {
	Load(ctx context.Context, key string) (Bucket, error)
	Save(ctx context.Context, key string, b Bucket, ttl time.Duration) error
}

// BucketKey names the bucket of an action for a user or the anonymous bucket.
func BucketKey(action, subject string) string {
	return "ratelimit:" + action + ":" + subject
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (Bucket, error) {
	s.mu.Lock()
	raw, ok := s.buckets[key]
	s.mu.Unlock()
	if !ok {
		return Bucket{}, nil
	}
	var b Bucket
	err := json.Unmarshal(raw, &b)
	return b, err
}

func (s *MemoryStore) Save(ctx context.Context, key string, b Bucket, ttl time.Duration) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.buckets[key] = raw
	s.mu.Unlock()
	return nil
}

// Raw returns the serialized bucket, for inspection.
func (s *MemoryStore) Raw(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.buckets[key]
	return string(raw), ok
}

// ValkeyStore shares buckets across service instances. Writes are last-write-wins.
type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) Load(ctx context.Context, key string) (Bucket, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return Bucket{}, nil
	}
	if err != nil {
		return Bucket{}, err
	}
	var b Bucket
	err = json.Unmarshal(raw, &b)
	return b, err
}

func (s *ValkeyStore) Save(ctx context.Context, key string, b Bucket, ttl time.Duration) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(key).Value(valkey.BinaryString(raw)).Px(ttl).Build()
	return s.client.Do(ctx, cmd).Error()
}
