// Package cooldown provides typed cooldown maps. Each tracker owns its map;
// all access goes through Arm/TryArm/IsActive/Remaining so no caller ever
// iterates or mutates shared state directly.
package cooldown

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
)

// Persister stores cooldown deadlines so they survive restart.
// The cooldown store in internal/store implements this.
type Persister interface {
	SaveCooldown(ctx context.Context, scope, key string, until time.Time) error
	LoadCooldowns(ctx context.Context, scope string) (map[string]time.Time, error)
}

// Tracker is one cooldown map, e.g. signal cooldowns or close cooldowns
type Tracker struct {
	scope     string
	mu        sync.Mutex
	deadlines map[string]time.Time
	persister Persister
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithPersister enables write-through persistence
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.persister = p }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a cooldown tracker for one scope
func NewTracker(scope string, opts ...Option) *Tracker {
	t := &Tracker{
		scope:     scope,
		deadlines: make(map[string]time.Time),
		now:       time.Now,
		logger:    config.NewLogger("cooldown").With().Str("scope", scope).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore loads persisted deadlines, dropping already-expired ones
func (t *Tracker) Restore(ctx context.Context) error {
	if t.persister == nil {
		return nil
	}
	loaded, err := t.persister.LoadCooldowns(ctx, t.scope)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, until := range loaded {
		if until.After(now) {
			t.deadlines[key] = until
		}
	}
	t.logger.Info().Int("restored", len(t.deadlines)).Msg("Cooldowns restored")
	return nil
}

// Arm unconditionally sets the cooldown for key
func (t *Tracker) Arm(ctx context.Context, key string, d time.Duration) {
	t.mu.Lock()
	until := t.now().Add(d)
	t.deadlines[key] = until
	t.mu.Unlock()

	t.persist(ctx, key, until)
}

// TryArm arms the cooldown only when none is active. Returns false when an
// active cooldown blocked the arm.
func (t *Tracker) TryArm(ctx context.Context, key string, d time.Duration) bool {
	t.mu.Lock()
	now := t.now()
	if until, ok := t.deadlines[key]; ok && until.After(now) {
		t.mu.Unlock()
		return false
	}
	until := now.Add(d)
	t.deadlines[key] = until
	t.mu.Unlock()

	t.persist(ctx, key, until)
	return true
}

// IsActive reports whether key is cooling down
func (t *Tracker) IsActive(key string) bool {
	return t.Remaining(key) > 0
}

// Remaining returns the time left on key's cooldown, zero when none
func (t *Tracker) Remaining(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	until, ok := t.deadlines[key]
	if !ok {
		return 0
	}
	remaining := until.Sub(t.now())
	if remaining <= 0 {
		delete(t.deadlines, key)
		return 0
	}
	return remaining
}

// ActiveForSymbol reports whether any cooldown under symbol is active. It
// matches both bare symbol keys and symbol:action keys, so admission checks
// see action-scoped arms as well.
func (t *Tracker) ActiveForSymbol(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	prefix := symbol + ":"
	for key, until := range t.deadlines {
		if key != symbol && !strings.HasPrefix(key, prefix) {
			continue
		}
		if until.After(now) {
			return true
		}
		delete(t.deadlines, key)
	}
	return false
}

// Clear removes the cooldown for key
func (t *Tracker) Clear(ctx context.Context, key string) {
	t.mu.Lock()
	delete(t.deadlines, key)
	t.mu.Unlock()

	t.persist(ctx, key, time.Time{})
}

func (t *Tracker) persist(ctx context.Context, key string, until time.Time) {
	if t.persister == nil {
		return
	}
	if err := t.persister.SaveCooldown(ctx, t.scope, key, until); err != nil {
		// Persistence is best-effort; the in-memory deadline still holds.
		t.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist cooldown")
	}
}

// Key builds the canonical (symbol, action) cooldown key
func Key(symbol, action string) string {
	return symbol + ":" + action
}
