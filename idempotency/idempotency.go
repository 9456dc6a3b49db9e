// Package idempotency implements the idempotency manager: replay of
// a completed saga's last step result for a repeat request carrying the
// same idempotency key, and deterministic key derivation when a caller
// supplies none. It reads through the same durable state store the saga
// coordinator persists to, rather than an in-memory registry, so replay
// survives process restarts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"civicrecords.dev/platform/sagastate"
)

// DefaultTTL is the default window within which a completed saga's result
// is eligible for replay.
const DefaultTTL = 24 * time.Hour

// deriveKeyBucket is the granularity a derived key's startedAt is
// truncated to, so that retries of the same logical request issued
// moments apart land on the same derived key instead of each minting a
// distinct one.
const deriveKeyBucket = 5 * time.Second

// stateReader is the narrow slice of sagastate.Store the manager needs.
type stateReader interface {
	GetStateByIdempotencyKey(ctx context.Context, key string) (*sagastate.SagaInstance, error)
}

// Manager is the C6 contract implementation.
type Manager struct {
	store stateReader
	ttl   time.Duration
	clock interface{ Now() time.Time }
}

// clockFn adapts a plain function to the clock interface used here,
// avoiding a dependency on the contracts package for a single method.
type clockFn func() time.Time

func (f clockFn) Now() time.Time { return f() }

// New returns a manager with DefaultTTL. Use WithTTL to override.
func New(store stateReader) *Manager {
	return &Manager{store: store, ttl: DefaultTTL, clock: clockFn(time.Now)}
}

// WithTTL returns a copy of m using ttl instead of DefaultTTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	return &Manager{store: m.store, ttl: ttl, clock: m.clock}
}

// WithClock returns a copy of m using clock instead of time.Now, for
// deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	return &Manager{store: m.store, ttl: m.ttl, clock: clockFn(now)}
}

// Check looks up key. If a completed saga exists within the TTL, its last
// step result is returned for replay. Executing or failed prior runs do
// not short-circuit: ok is false and the caller proceeds with a fresh
// execution.
func (m *Manager) Check(ctx context.Context, key string) (result *sagastate.StepResult, ok bool, err error) {
	if key == "" {
		return nil, false, nil
	}

	inst, err := m.store.GetStateByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false, nil
	}
	if inst == nil || inst.Status != sagastate.StatusCompleted {
		return nil, false, nil
	}
	if inst.CompletedAt == nil || m.clock.Now().Sub(*inst.CompletedAt) > m.ttl {
		return nil, false, nil
	}
	if len(inst.StepResults) == 0 {
		return nil, false, nil
	}

	last := inst.StepResults[len(inst.StepResults)-1]
	return &last, true, nil
}

// DeriveKey builds a deterministic idempotency key from sagaType, userID,
// a deriveKeyBucket-wide bucketing of startedAt, and the context fields
// most likely to identify the logical operation (recordId, draftId),
// when the caller hasn't supplied one.
func DeriveKey(sagaType, userID string, startedAt time.Time, context map[string]interface{}) string {
	h := sha256.New()
	bucket := startedAt.UTC().Truncate(deriveKeyBucket)
	fmt.Fprintf(h, "%s|%s|%s", sagaType, userID, bucket.Format(time.RFC3339))

	keys := make([]string, 0, len(context))
	for k := range context {
		if k == "recordId" || k == "draftId" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, context[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
