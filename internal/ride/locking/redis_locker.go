package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockPrefix = "lock:booking:"
	defaultTTL        = 5 * time.Second
)

// Deletes the key only when it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker relies on SET NX PX semantics. The TTL bounds how long a
// crashed holder can block others.
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	unlock    *redis.Script
}

// NewRedisLocker constructs the locker; an empty prefix selects the default.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	return &RedisLocker{client: client, keyPrefix: prefix, unlock: redis.NewScript(unlockLua)}
}

// TryLock attempts to acquire key using SET NX.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key if token still owns it.
func (r *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := r.unlock.Run(ctx, r.client, []string{r.keyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}
