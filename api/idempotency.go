package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "board-action"

// RedisDeduper records applied idempotency keys in Redis so every instance skips actions
// that were already dispatched.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(operator, key string) string {
	return fmt.Sprintf("%s:%s:%s", operator, dedupeKeyPrefix, key)
}

// Add records the key if it does not already exist. It returns true when the key was
// newly added.
func (r *RedisDeduper) Add(ctx context.Context, operator, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(operator, key), 1, r.ttl).Result()
}

// Remove forgets a key so a rejected action can be retried under the same key.
func (r *RedisDeduper) Remove(ctx context.Context, operator, key string) error {
	return r.client.Del(ctx, r.key(operator, key)).Err()
}

// MemoryDeduper is the single-instance Deduper used when no Redis is configured.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, keys: make(map[string]time.Time)}
}

func (m *MemoryDeduper) Add(_ context.Context, operator, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := operator + ":" + key
	if exp, ok := m.keys[k]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[k] = now.Add(m.ttl)

	// Expired keys are swept whenever the map size reaches a multiple of 256.
	if len(m.keys)%256 == 0 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, operator, key string) error {
	m.mu.Lock()
	delete(m.keys, operator+":"+key)
	m.mu.Unlock()
	return nil
}
