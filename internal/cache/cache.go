// Package cache provides the injected read-through cache capability used for
// slow provider lookups (datacenter and tariff lists). Lifetime and
// invalidation are explicit at the call site: callers pass the TTL with every
// read instead of relying on module-level caches.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is a read-through byte cache.
type Cache interface {
	// GetOrRefresh returns the cached value for key when fresh, otherwise
	// invokes refresh, stores the result for ttl, and returns it.
	GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) ([]byte, error)) ([]byte, error)
	// Invalidate drops a key.
	Invalidate(ctx context.Context, key string) error
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

var _ Cache = (*Memory)(nil)

func (m *Memory) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && m.now().Before(entry.expiresAt) {
		m.mu.Unlock()
		return entry.value, nil
	}
	m.mu.Unlock()

	value, err := refresh(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return value, nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Redis is a Cache backed by a shared redis instance.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a redis-backed cache with an optional key prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

var _ Cache = (*Redis)(nil)

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == nil {
		return value, nil
	}
	if err != redis.Nil {
		return nil, err
	}

	value, err = refresh(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return nil, err
	}
	return value, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
