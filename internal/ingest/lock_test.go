package ingest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLockSerializesRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewRedisLock(client)

	release, ok, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// A second trigger while the first run holds the lease is refused.
	_, ok, err = lock.TryLock(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	release()

	_, ok, err = lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewRedisLock(client)

	_, ok, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed run never releases; the lease TTL unblocks the next
	// trigger.
	mr.FastForward(lockTTL)

	_, ok, err = lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}
