package sagastate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/record"
)

// fakeMetadataStore is an in-memory contracts.MetadataStore that only
// implements the generic Exec/Query/QueryRow escape hatch the sagastate
// package actually calls; the record/draft methods are unused here.
type fakeMetadataStore struct {
	rows [][]interface{}
}

func (f *fakeMetadataStore) CreateRecord(context.Context, *record.Record) error   { return nil }
func (f *fakeMetadataStore) GetRecord(context.Context, string) (*record.Record, error) {
	return nil, nil
}
func (f *fakeMetadataStore) UpdateRecord(context.Context, *record.Record) error   { return nil }
func (f *fakeMetadataStore) DeleteRecord(context.Context, string) error          { return nil }
func (f *fakeMetadataStore) RecordExists(context.Context, string) (bool, error)   { return false, nil }
func (f *fakeMetadataStore) CreateDraft(context.Context, *record.Draft) error     { return nil }
func (f *fakeMetadataStore) GetDraft(context.Context, string) (*record.Draft, error) {
	return nil, nil
}
func (f *fakeMetadataStore) DeleteDraft(context.Context, string) error { return nil }
func (f *fakeMetadataStore) SearchRecords(context.Context, string) ([]*record.Record, error) {
	return nil, nil
}

func (f *fakeMetadataStore) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	f.rows = append(f.rows, args)
	return 1, nil
}

func (f *fakeMetadataStore) Query(ctx context.Context, sql string, args ...interface{}) (contracts.Rows, error) {
	return &fakeRows{snapshot: f.snapshot()}, nil
}

func (f *fakeMetadataStore) QueryRow(ctx context.Context, sql string, args ...interface{}) contracts.Row {
	snap := f.snapshot()
	if len(snap) == 0 {
		return &fakeRow{missing: true}
	}
	return &fakeRow{values: snap[len(snap)-1]}
}

// snapshot returns the argument rows of every Exec call so far, one stored
// instance per call; QueryRow scans the last of them. That is enough to
// exercise scanOne/scanAll without a real database.
func (f *fakeMetadataStore) snapshot() [][]interface{} {
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows
}

type fakeRow struct {
	values  []interface{}
	missing bool
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.missing {
		return errNotFound
	}
	return scanInto(r.values, dest)
}

type fakeRows struct {
	snapshot [][]interface{}
	idx      int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.snapshot) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	return scanInto(r.snapshot[r.idx-1], dest)
}

func (r *fakeRows) Close()       {}
func (r *fakeRows) Err() error   { return nil }

var errNotFound = &NotFoundError{ID: "missing"}

// scanInto maps SaveState's 10 positional args (id, saga_type, saga_version,
// context, status, current_step, step_results, started_at, idempotency_key,
// correlation_id) onto the 15-column select shape the Store scans, filling
// the columns SaveState doesn't set with zero values. This is test scaffolding
// only, not a real SQL engine.
func scanInto(saved []interface{}, dest []interface{}) error {
	get := func(i int) interface{} {
		if i < len(saved) {
			return saved[i]
		}
		return nil
	}

	assign := func(d interface{}, v interface{}) {
		switch p := d.(type) {
		case *string:
			if v != nil {
				*p = v.(string)
			}
		case **string:
			switch s := v.(type) {
			case string:
				*p = &s
			case *string:
				*p = s
			}
		case *int:
			if v != nil {
				*p = v.(int)
			}
		case *json.RawMessage:
			if v != nil {
				*p = v.(json.RawMessage)
			}
		case *[]byte:
			if v != nil {
				*p = v.([]byte)
			}
		case *time.Time:
			if v != nil {
				*p = v.(time.Time)
			}
		case **time.Time:
			// left nil; SaveState never sets completed_at
		}
	}

	// saved layout: id, sagaType, sagaVersion, context, status, currentStep,
	// resultsJSON, startedAt, idempotencyKey, correlationID
	assign(dest[0], get(0))  // id
	assign(dest[1], get(1))  // saga_type
	assign(dest[2], get(2))  // saga_version
	assign(dest[3], get(3))  // context
	assign(dest[4], get(4))  // status
	assign(dest[5], get(5))  // current_step
	assign(dest[6], get(6))  // step_results
	assign(dest[7], get(7))  // started_at
	assign(dest[8], nil)     // completed_at
	assign(dest[9], nil)     // error
	assign(dest[10], nil)    // compensation_status
	assign(dest[11], nil)    // compensation_completed_at
	assign(dest[12], nil)    // compensation_error
	assign(dest[13], get(8)) // idempotency_key
	assign(dest[14], get(9)) // correlation_id

	return nil
}

func newInstance(id string) *SagaInstance {
	return &SagaInstance{
		ID:            id,
		SagaType:      "create_record",
		SagaVersion:   "1",
		Context:       json.RawMessage(`{"title":"Open Data"}`),
		Status:        StatusPending,
		CurrentStep:   0,
		StepResults:   nil,
		StartedAt:     time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		CorrelationID: "corr-1",
	}
}

func TestSaveStateThenGetState_RoundTrips(t *testing.T) {
	db := &fakeMetadataStore{}
	store := New(db)
	ctx := context.Background()

	inst := newInstance("saga-1")
	require.NoError(t, store.SaveState(ctx, inst))

	got, err := store.GetState(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", got.ID)
	assert.Equal(t, "create_record", got.SagaType)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "corr-1", got.CorrelationID)
}

func TestGetState_NotFoundReturnsNotFoundError(t *testing.T) {
	db := &fakeMetadataStore{}
	store := New(db)

	_, err := store.GetState(context.Background(), "missing")
	require.Error(t, err)
}

func TestUpdateStatus_NoMatchingRowReturnsNotFoundError(t *testing.T) {
	db := &fakeMetadataStore{}
	store := New(db)
	// simulate Exec affecting 0 rows by wrapping a store backed on an
	// adapter that always reports zero rows affected.
	zero := &zeroAffectedStore{fakeMetadataStore: db}
	store = New(zero)

	err := store.UpdateStatus(context.Background(), "saga-1", StatusExecuting, nil, nil)
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

type zeroAffectedStore struct {
	*fakeMetadataStore
}

func (z *zeroAffectedStore) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	return 0, nil
}

func TestStepResults_MarshaledAndRestoredOnRead(t *testing.T) {
	db := &fakeMetadataStore{}
	store := New(db)
	ctx := context.Background()

	inst := newInstance("saga-2")
	inst.StepResults = []StepResult{{StepName: "write_metadata", Success: true}}
	require.NoError(t, store.SaveState(ctx, inst))

	got, err := store.GetState(ctx, "saga-2")
	require.NoError(t, err)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, "write_metadata", got.StepResults[0].StepName)
}

func TestNotFoundError_MentionsID(t *testing.T) {
	err := &NotFoundError{ID: "saga-9"}
	assert.Contains(t, err.Error(), "saga-9")
}
