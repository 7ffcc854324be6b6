package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridepool/internal/ride/domain"
)

// DefaultIdempotencyTTL bounds how long a cached response replays.
const DefaultIdempotencyTTL = 24 * time.Hour

type cachedResponse struct {
	payload []byte
	expires time.Time
}

// MemoryIdempotencyRepo stores responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]cachedResponse
}

// NewMemoryIdempotencyRepo constructs repository; ttl <= 0 selects the default.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]cachedResponse)}
}

// GetResponse retrieves cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	if !ok || !m.now().Before(value.expires) {
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = cachedResponse{payload: append([]byte(nil), payload...), expires: m.now().Add(m.ttl)}
	return nil
}

const defaultIdempotencyPrefix = "idem:"

// RedisIdempotencyRepo keeps responses in Redis so retries replay across
// service instances.
type RedisIdempotencyRepo struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyRepo constructs repository; ttl <= 0 selects the default.
func NewRedisIdempotencyRepo(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyRepo {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyRepo{client: client, prefix: defaultIdempotencyPrefix, ttl: ttl}
}

func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get idempotency key: %v: %w", err, domain.ErrDependencyUnavailable)
	}
	return payload, true, nil
}

// PutResponse keeps the first stored response when two retries race.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.SetNX(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key: %v: %w", err, domain.ErrDependencyUnavailable)
	}
	return nil
}
