package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("sweep"))

	_, ok, err = locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiresAfterTTL(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ReleaseLeavesOtherHolder(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Our lease expired and another process took the key.
	mr.FastForward(2 * time.Minute)
	_, ok, err = locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("sweep"), "a stale release must not drop the new holder's lock")
}

func TestRedisLocker_ServerDown(t *testing.T) {
	locker, mr := newTestLocker(t)
	mr.Close()

	_, ok, err := locker.TryLock(context.Background(), "sweep", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
