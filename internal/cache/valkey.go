package cache

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyBackend shares cache entries across service instances.
type ValkeyBackend struct {
	client valkey.Client
}

func NewValkeyBackend(client valkey.Client) *ValkeyBackend {
	return &ValkeyBackend{client: client}
}

func (b *ValkeyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Do(ctx, b.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (b *ValkeyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return b.client.Do(ctx, b.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()).Error()
	}
	return b.client.Do(ctx, b.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Px(ttl).Build()).Error()
}

func (b *ValkeyBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Do(ctx, b.client.B().Del().Key(keys...).Build()).Error()
}
