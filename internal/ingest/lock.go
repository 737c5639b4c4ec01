package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKey = "wattsplit:ingest:lock"
	lockTTL = 5 * time.Minute
)

// RedisLock serializes pipeline runs with a SET NX lease. The TTL
// bounds how long a crashed run can block the next trigger.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock constructs the lock.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// TryLock acquires the run lease. ok=false means another run holds
// it. The returned release func is safe to call once.
func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	acquired, err := l.client.SetNX(ctx, lockKey, time.Now().UTC().Format(time.RFC3339), lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		_ = l.client.Del(context.WithoutCancel(ctx), lockKey).Err()
	}
	return release, true, nil
}
