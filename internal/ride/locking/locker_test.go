package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLockerLockAndUnlock(t *testing.T) {
	client, _ := newRedisClient(t)
	locker := NewRedisLocker(client, "")
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "b1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "b1", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, locker.Unlock(ctx, "b1", token))

	_, ok, err = locker.TryLock(ctx, "b1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockerIgnoresForeignToken(t *testing.T) {
	client, _ := newRedisClient(t)
	locker := NewRedisLocker(client, "test:")
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "b2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Unlock(ctx, "b2", "not-the-owner"))

	_, ok, err = locker.TryLock(ctx, "b2", time.Second)
	require.NoError(t, err)
	require.False(t, ok, "lock must survive an unlock with the wrong token")
}

func TestRedisLockerTTLExpiry(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := NewRedisLocker(client, "")
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "b3", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	_, ok, err = locker.TryLock(ctx, "b3", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLockerExpiryAndOwnership(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Unix(0, 0)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = locker.TryLock(ctx, "k", time.Second)
	require.False(t, ok)

	require.NoError(t, locker.Unlock(ctx, "k", "other"))
	_, ok, _ = locker.TryLock(ctx, "k", time.Second)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = locker.TryLock(ctx, "k", time.Second)
	require.True(t, ok, "expired lock is taken over")

	require.NoError(t, locker.Unlock(ctx, "k", token), "stale token is a no-op")
	_, ok, _ = locker.TryLock(ctx, "k", time.Second)
	require.False(t, ok)
}

func TestMemoryLockerExclusiveUnderContention(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := locker.TryLock(ctx, "shared", time.Minute); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners)
}
