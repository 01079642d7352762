package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LockStore implements named lock rows for scheduler singleton discipline.
// A lock row is (task_name, holder, expires_at); the holder refreshes the
// TTL on each run and anyone may take over an expired row.
type LockStore struct {
	pool   PoolIface
	logger zerolog.Logger
}

// Acquire takes or refreshes the named lock for holder. Returns false when a
// different holder owns an unexpired lock.
func (s *LockStore) Acquire(ctx context.Context, taskName, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_locks (task_name, holder, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (task_name) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE scheduler_locks.holder = EXCLUDED.holder
		   OR scheduler_locks.expires_at < now()
	`, taskName, holder, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", taskName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the named lock if held by holder
func (s *LockStore) Release(ctx context.Context, taskName, holder string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM scheduler_locks WHERE task_name = $1 AND holder = $2
	`, taskName, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", taskName, err)
	}
	return nil
}

// ReapExpired deletes all expired lock rows
func (s *LockStore) ReapExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduler_locks WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
