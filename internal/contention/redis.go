package contention

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-backend/internal/fault"
)

const (
	// lockPrefix is the Redis key prefix for conversation lock tokens.
	lockPrefix = "convlock:"

	// lockTTL caps how long a crashed holder can keep a conversation
	// locked.
	lockTTL = 5 * time.Second

	// pollInterval is the base spin interval while waiting for a held
	// lock; a small jitter is added so waiters don't stampede.
	pollInterval = 20 * time.Millisecond
)

// releaseLua deletes the lock only if the caller still owns it, so a
// holder whose TTL expired cannot release a lock someone else has since
// acquired.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is the cross-process Locker for multi-instance deployments:
// SET NX PX with an owner token and a compare-and-delete release script.
type RedisLocker struct {
	client        *redis.Client
	releaseScript *redis.Script
	timeout       time.Duration
}

// NewRedisLocker creates a RedisLocker with the given acquire timeout.
// A non-positive timeout falls back to DefaultAcquireTimeout.
func NewRedisLocker(client *redis.Client, timeout time.Duration) *RedisLocker {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &RedisLocker{
		client:        client,
		releaseScript: redis.NewScript(releaseLua),
		timeout:       timeout,
	}
}

// Acquire polls SET NX until the lock is won, the timeout elapses, or ctx
// is cancelled. The returned release deletes the lock only if this caller
// still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	redisKey := lockPrefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, lockTTL).Result()
		if err != nil {
			return nil, fault.Wrap(fault.KindContended, "lock backend unavailable", err)
		}
		if ok {
			var once sync.Once
			release := func() {
				once.Do(func() {
					relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_, _ = l.releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Result()
				})
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, fault.New(fault.KindContended, "conversation lock timeout")
		}

		jitter := time.Duration(rand.Int63n(int64(pollInterval)))
		select {
		case <-time.After(pollInterval + jitter):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindContended, "conversation lock cancelled", ctx.Err())
		}
	}
}
