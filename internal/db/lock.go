package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AdvisoryLocker guards tier runs with Postgres session advisory locks. It is
// the fallback when Redis is not configured. The lock lives as long as the
// pooled connection that took it, so that connection is held until release.
type AdvisoryLocker struct {
	db     *DB
	logger *zap.Logger
}

// NewAdvisoryLocker creates an advisory locker on the given pool.
func NewAdvisoryLocker(db *DB, logger *zap.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, logger: logger}
}

// TryAcquire takes the lock for key without waiting. acquired is false when
// another session holds it. token is only logged; Postgres tracks ownership
// by session.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, key, token string) (func(context.Context) error, bool, error) {
	conn, err := l.db.Pool().Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	lockKey := advisoryKey(key)

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, lockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	l.logger.Debug("advisory lock acquired",
		zap.String("key", key),
		zap.String("token", token),
	)

	release := func(ctx context.Context) error {
		defer conn.Release()

		var unlocked bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, lockKey).Scan(&unlocked); err != nil {
			// Drop the session so the server frees the lock with it.
			_ = conn.Conn().Close(ctx)
			return fmt.Errorf("advisory unlock: %w", err)
		}
		if !unlocked {
			l.logger.Warn("advisory lock was not held at release", zap.String("key", key))
		}
		return nil
	}

	return release, true, nil
}

// advisoryKey namespaces tier keys so they cannot collide with other
// advisory lock users of the same database.
func advisoryKey(key string) string {
	return "alerter:" + key
}
