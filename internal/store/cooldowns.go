package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CooldownStore persists cooldown deadlines. Implements cooldown.Persister.
type CooldownStore struct {
	pool   PoolIface
	logger zerolog.Logger
}

// SaveCooldown upserts one deadline; a zero time deletes the row
func (s *CooldownStore) SaveCooldown(ctx context.Context, scope, key string, until time.Time) error {
	if until.IsZero() {
		_, err := s.pool.Exec(ctx, `DELETE FROM cooldowns WHERE scope = $1 AND key = $2`, scope, key)
		if err != nil {
			return fmt.Errorf("failed to delete cooldown: %w", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cooldowns (scope, key, until, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, key) DO UPDATE SET until = EXCLUDED.until, updated_at = now()
	`, scope, key, until)
	if err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}
	return nil
}

// LoadCooldowns returns all unexpired deadlines for a scope
func (s *CooldownStore) LoadCooldowns(ctx context.Context, scope string) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, until FROM cooldowns WHERE scope = $1 AND until > now()
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load cooldowns: %w", err)
	}
	defer rows.Close()

	deadlines := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var until time.Time
		if err := rows.Scan(&key, &until); err != nil {
			return nil, fmt.Errorf("failed to scan cooldown: %w", err)
		}
		deadlines[key] = until
	}
	return deadlines, rows.Err()
}
