package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicrecords.dev/platform/sagastate"
)

type fakeStore struct {
	stuck    []*sagastate.SagaInstance
	failed   []*sagastate.SagaInstance
	statuses map[string]string
	errMsgs  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[string]string{}, errMsgs: map[string]string{}}
}

func (f *fakeStore) GetStuckSagas(ctx context.Context, timeout time.Duration) ([]*sagastate.SagaInstance, error) {
	return f.stuck, nil
}

func (f *fakeStore) GetFailedSagas(ctx context.Context) ([]*sagastate.SagaInstance, error) {
	return f.failed, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id, status string, currentStep *int, errMsg *string) error {
	f.statuses[id] = status
	if errMsg != nil {
		f.errMsgs[id] = *errMsg
	}
	return nil
}

func strPtr(s string) *string { return &s }

func TestSweep_MarksStuckSagasFailed(t *testing.T) {
	store := newFakeStore()
	store.stuck = []*sagastate.SagaInstance{{ID: "saga-1"}}

	m := New(store, 10*time.Minute, nil)
	stuckMarked, annotated, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stuckMarked)
	assert.Equal(t, 0, annotated)
	assert.Equal(t, sagastate.StatusFailed, store.statuses["saga-1"])
	assert.Contains(t, store.errMsgs["saga-1"], "stuck timeout")
}

func TestSweep_AnnotatesOnlyFailedCompensation(t *testing.T) {
	store := newFakeStore()
	store.failed = []*sagastate.SagaInstance{
		{ID: "saga-needs-help", CompensationStatus: strPtr(sagastate.CompensationFailed), Error: strPtr("git commit failed")},
		{ID: "saga-partial", CompensationStatus: strPtr(sagastate.CompensationPartial)},
		{ID: "saga-pending", CompensationStatus: strPtr(sagastate.CompensationPending)},
	}

	m := New(store, time.Hour, nil)
	_, annotated, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, annotated)
	assert.Contains(t, store.errMsgs["saga-needs-help"], ManualInterventionSentinel)
	assert.Contains(t, store.errMsgs["saga-needs-help"], "git commit failed")
	_, wasTouched := store.statuses["saga-partial"]
	assert.False(t, wasTouched)
}

func TestSweep_NoStuckOrFailedSagasIsANoOp(t *testing.T) {
	store := newFakeStore()
	m := New(store, time.Hour, nil)

	stuckMarked, annotated, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stuckMarked)
	assert.Zero(t, annotated)
}
