package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyRepoExpires(t *testing.T) {
	repo := NewMemoryIdempotencyRepo(time.Minute)
	now := time.Unix(0, 0)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	payload := []byte(`{"id":"1"}`)
	require.NoError(t, repo.PutResponse(ctx, "k", payload))
	payload[0] = 'x'

	got, ok, err := repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"id":"1"}`, string(got))

	now = now.Add(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisIdempotencyRepo(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := NewRedisIdempotencyRepo(client, time.Minute)
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "booking-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "booking-1", []byte("first")))
	require.NoError(t, repo.PutResponse(ctx, "booking-1", []byte("second")))

	got, ok, err := repo.GetResponse(ctx, "booking-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", string(got))

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "booking-1")
	require.NoError(t, err)
	require.False(t, ok)
}
