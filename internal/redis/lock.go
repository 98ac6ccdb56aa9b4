package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned when releasing a lock whose token no longer
// matches (expired or taken over).
var ErrLockNotHeld = errors.New("lock not held by this token")

// DefaultLockTTL outlives the default run budget so a healthy run never
// loses its lock, while a crashed run frees the tier on its own.
const DefaultLockTTL = 10 * time.Minute

// compareAndDelete removes the key only when it still holds our token.
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// TierLock is a SET NX lock that keeps two runs of the same frequency tier
// from overlapping. The value is the run id, which doubles as a fencing
// token: only the owner can release it.
type TierLock struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewTierLock creates a lock service. ttl <= 0 uses DefaultLockTTL.
func NewTierLock(client *Client, logger *zap.Logger, ttl time.Duration) *TierLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &TierLock{client: client, logger: logger, ttl: ttl}
}

func (l *TierLock) buildKey(key string) string {
	return fmt.Sprintf("alerter:run-lock:%s", key)
}

// TryAcquire reserves key for token. acquired is false when another run
// holds it. The returned release func deletes the key only if token still
// owns it.
func (l *TierLock) TryAcquire(ctx context.Context, key, token string) (func(context.Context) error, bool, error) {
	redisKey := l.buildKey(key)

	set, err := l.client.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		holder, _ := l.client.rdb.Get(ctx, redisKey).Result()
		l.logger.Info("tier lock held by another run",
			zap.String("key", key),
			zap.String("holder", holder),
		)
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		return l.release(ctx, redisKey, token)
	}
	return release, true, nil
}

func (l *TierLock) release(ctx context.Context, redisKey, token string) error {
	n, err := compareAndDelete.Run(ctx, l.client.rdb, []string{redisKey}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
