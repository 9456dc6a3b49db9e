// Package lock implements the resource lock manager: exclusive,
// time-bounded locks keyed by resource, backed by the metadata store's
// generic execute/query escape hatch. Acquisition follows a cache
// repository's SetNX-then-TTL shape re-struck against SQL: an
// INSERT ... ON CONFLICT DO NOTHING first, then a read-and-reclaim of an
// expired row on conflict.
package lock

import (
	"context"
	"fmt"
	"time"

	"civicrecords.dev/platform/contracts"
)

// Lock is a held resource lock.
type Lock struct {
	Key       string
	Holder    string
	AcquiredAt time.Time
	ExpiresAt time.Time
}

// ConflictError is returned when a lock is already held by another party
// and has not expired.
type ConflictError struct {
	Key         string
	Holder      string
	ExpiresAt   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %q is locked by %q until %s", e.Key, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// Manager is the C5 contract implementation.
type Manager struct {
	db    contracts.MetadataStore
	clock contracts.Clock
}

// New returns a lock manager bound to db. clock defaults to
// contracts.SystemClock{} when nil.
func New(db contracts.MetadataStore, clock contracts.Clock) *Manager {
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	return &Manager{db: db, clock: clock}
}

// AcquireLock attempts to take key for holder until timeout elapses. On a
// uniqueness conflict it reads the existing row; if expired, it deletes
// and retries once; otherwise it returns a *ConflictError naming the
// current holder and expiry.
func (m *Manager) AcquireLock(ctx context.Context, key, holder string, timeout time.Duration) (*Lock, error) {
	lock, err := m.tryAcquire(ctx, key, holder, timeout)
	if err == nil {
		return lock, nil
	}

	conflict, ok := err.(*ConflictError)
	if !ok {
		return nil, err
	}
	if m.clock.Now().Before(conflict.ExpiresAt) {
		return nil, conflict
	}

	if _, delErr := m.db.Exec(ctx, `DELETE FROM saga_resource_locks WHERE key = $1 AND expires_at <= $2`,
		key, m.clock.Now()); delErr != nil {
		return nil, fmt.Errorf("reclaim expired lock %q: %w", key, delErr)
	}

	return m.tryAcquire(ctx, key, holder, timeout)
}

func (m *Manager) tryAcquire(ctx context.Context, key, holder string, timeout time.Duration) (*Lock, error) {
	now := m.clock.Now()
	expires := now.Add(timeout)

	affected, err := m.db.Exec(ctx, `
		INSERT INTO saga_resource_locks (key, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, holder, now, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if affected == 0 {
		existing, getErr := m.GetLock(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			// Raced with a concurrent release; one more attempt.
			affected, err = m.db.Exec(ctx, `
				INSERT INTO saga_resource_locks (key, holder, acquired_at, expires_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key) DO NOTHING`,
				key, holder, now, expires,
			)
			if err != nil {
				return nil, fmt.Errorf("acquire lock %q: %w", key, err)
			}
			if affected == 0 {
				return nil, &ConflictError{Key: key, Holder: "unknown", ExpiresAt: now}
			}
			return &Lock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: expires}, nil
		}
		return nil, &ConflictError{Key: key, Holder: existing.Holder, ExpiresAt: existing.ExpiresAt}
	}

	return &Lock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: expires}, nil
}

// ReleaseLock releases key. When holder is non-empty, the release is
// scoped to rows owned by that holder; an empty holder releases
// unconditionally.
func (m *Manager) ReleaseLock(ctx context.Context, key, holder string) error {
	if holder != "" {
		_, err := m.db.Exec(ctx, `DELETE FROM saga_resource_locks WHERE key = $1 AND holder = $2`, key, holder)
		if err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}
	_, err := m.db.Exec(ctx, `DELETE FROM saga_resource_locks WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

// GetLock returns the current lock row for key, or nil if unheld.
func (m *Manager) GetLock(ctx context.Context, key string) (*Lock, error) {
	row := m.db.QueryRow(ctx, `SELECT key, holder, acquired_at, expires_at FROM saga_resource_locks WHERE key = $1`, key)

	l := &Lock{}
	err := row.Scan(&l.Key, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		return nil, nil
	}
	return l, nil
}

// ExtendLock adds additional to the expiry of key, provided holder
// currently owns it.
func (m *Manager) ExtendLock(ctx context.Context, key, holder string, additional time.Duration) error {
	affected, err := m.db.Exec(ctx, `
		UPDATE saga_resource_locks SET expires_at = expires_at + $1
		WHERE key = $2 AND holder = $3`,
		additional, key, holder,
	)
	if err != nil {
		return fmt.Errorf("extend lock %q: %w", key, err)
	}
	if affected == 0 {
		return fmt.Errorf("extend lock %q: not held by %q", key, holder)
	}
	return nil
}

// CleanupExpiredLocks deletes all rows whose expiry has elapsed, returning
// the count removed. Nothing in this module calls it on a schedule (the
// recovery sweep does not touch locks); an expired lock is otherwise
// reclaimed by the next AcquireLock on the same key.
func (m *Manager) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	affected, err := m.db.Exec(ctx, `DELETE FROM saga_resource_locks WHERE expires_at <= $1`, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return affected, nil
}
