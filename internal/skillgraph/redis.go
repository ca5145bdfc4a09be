package skillgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"skillforge/internal/store"
)

// redisBackend stores cache entries as JSON values and keeps a per-
// capability set of keys so invalidation stays O(entries of that
// capability). Redis TTLs mirror the entry expiry as a second line of
// defense; the cache still checks ExpiresAt itself.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr string) (Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis at %s is unreachable: %w", addr, err)
	}
	return &redisBackend{client: client}, nil
}

func entryKey(key string) string      { return "skillforge:cache:" + key }
func capabilitySet(cap string) string { return "skillforge:capkeys:" + cap }

func (b *redisBackend) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	raw, err := b.client.Get(ctx, entryKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry store.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (b *redisBackend) Put(ctx context.Context, entry store.CacheEntry) error {
	now := time.Now()
	entry.CreatedAt = now
	entry.LastAccess = now
	entry.HitCount = 0

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, entryKey(entry.Key), raw, ttl)
	pipe.SAdd(ctx, capabilitySet(entry.Capability), entry.Key)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *redisBackend) Touch(ctx context.Context, key string) error {
	entry, err := b.Get(ctx, key)
	if err != nil || entry == nil {
		return err
	}
	entry.HitCount++
	entry.LastAccess = time.Now()
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// KeepTTL preserves the original expiry; touching never extends it.
	return b.client.Set(ctx, entryKey(key), raw, redis.KeepTTL).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	entry, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, entryKey(key))
	if entry != nil {
		pipe.SRem(ctx, capabilitySet(entry.Capability), key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *redisBackend) DeleteCapability(ctx context.Context, capability string) (int64, error) {
	keys, err := b.client.SMembers(ctx, capabilitySet(capability)).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys)+1)
	for i, k := range keys {
		full[i] = entryKey(k)
	}
	full[len(keys)] = capabilitySet(capability)
	deleted, err := b.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, err
	}
	// The set itself is not a cache entry.
	return deleted - 1, nil
}
