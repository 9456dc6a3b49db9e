package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/idempotency"
	"civicrecords.dev/platform/lock"
	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/sagastate"
)

// comboStore is a minimal in-memory contracts.MetadataStore backing both
// the saga_states and saga_resource_locks tables the executor's
// collaborators (sagastate.Store, lock.Manager) issue SQL against. It's
// deliberately narrow: just enough pattern matching on statement text to
// exercise the executor end to end without a real database.
type comboStore struct {
	sagas map[string]*sagaRow
	locks map[string]lockRow
}

type sagaRow struct {
	id, sagaType, sagaVersion, status string
	currentStep                      int
	contextJSON, resultsJSON         []byte
	startedAt                        time.Time
	completedAt                      *time.Time
	errMsg                           *string
	compensationStatus               *string
	idempotencyKey                   *string
	correlationID                    string
}

type lockRow struct {
	holder               string
	acquiredAt, expiresAt time.Time
}

func newComboStore() *comboStore {
	return &comboStore{sagas: map[string]*sagaRow{}, locks: map[string]lockRow{}}
}

func (c *comboStore) CreateRecord(context.Context, *record.Record) error        { return nil }
func (c *comboStore) GetRecord(context.Context, string) (*record.Record, error) { return nil, nil }
func (c *comboStore) UpdateRecord(context.Context, *record.Record) error        { return nil }
func (c *comboStore) DeleteRecord(context.Context, string) error                { return nil }
func (c *comboStore) RecordExists(context.Context, string) (bool, error)        { return false, nil }
func (c *comboStore) CreateDraft(context.Context, *record.Draft) error          { return nil }
func (c *comboStore) GetDraft(context.Context, string) (*record.Draft, error)   { return nil, nil }
func (c *comboStore) DeleteDraft(context.Context, string) error                 { return nil }
func (c *comboStore) SearchRecords(context.Context, string) ([]*record.Record, error) {
	return nil, nil
}

func (c *comboStore) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	sql = strings.Join(strings.Fields(sql), " ")
	switch {
	case strings.Contains(sql, "INSERT INTO saga_states"):
		row := &sagaRow{
			id: args[0].(string), sagaType: args[1].(string), sagaVersion: args[2].(string),
			contextJSON: args[3].(json.RawMessage), status: args[4].(string), currentStep: args[5].(int),
			resultsJSON: args[6].([]byte), startedAt: args[7].(time.Time),
		}
		if k, ok := args[8].(*string); ok {
			row.idempotencyKey = k
		}
		row.correlationID, _ = args[9].(string)
		c.sagas[row.id] = row
		return 1, nil
	case strings.Contains(sql, "UPDATE saga_states SET status"):
		id := args[3].(string)
		row, ok := c.sagas[id]
		if !ok {
			return 0, nil
		}
		row.status = args[0].(string)
		if cs, ok := args[1].(*int); ok && cs != nil {
			row.currentStep = *cs
		}
		if em, ok := args[2].(*string); ok && em != nil {
			row.errMsg = em
		}
		if row.status == sagastate.StatusCompleted || row.status == sagastate.StatusFailed || row.status == sagastate.StatusCompensated {
			now := time.Now()
			row.completedAt = &now
		}
		return 1, nil
	case strings.Contains(sql, "UPDATE saga_states SET step_results"):
		id := args[1].(string)
		row, ok := c.sagas[id]
		if !ok {
			return 0, nil
		}
		row.resultsJSON = args[0].([]byte)
		return 1, nil
	case strings.Contains(sql, "UPDATE saga_states SET compensation_status"):
		id := args[2].(string)
		row, ok := c.sagas[id]
		if !ok {
			return 0, nil
		}
		status := args[0].(string)
		row.compensationStatus = &status
		return 1, nil
	case strings.Contains(sql, "INSERT INTO saga_resource_locks"):
		key := args[0].(string)
		if _, exists := c.locks[key]; exists {
			return 0, nil
		}
		c.locks[key] = lockRow{holder: args[1].(string), acquiredAt: args[2].(time.Time), expiresAt: args[3].(time.Time)}
		return 1, nil
	case strings.Contains(sql, "DELETE FROM saga_resource_locks WHERE key = $1 AND holder"):
		key, holder := args[0].(string), args[1].(string)
		if row, ok := c.locks[key]; ok && row.holder == holder {
			delete(c.locks, key)
			return 1, nil
		}
		return 0, nil
	case strings.Contains(sql, "DELETE FROM saga_resource_locks"):
		key := args[0].(string)
		if _, ok := c.locks[key]; ok {
			delete(c.locks, key)
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("comboStore: unhandled statement: %s", sql)
}

func (c *comboStore) Query(ctx context.Context, sql string, args ...interface{}) (contracts.Rows, error) {
	return &comboRows{}, nil
}

func (c *comboStore) QueryRow(ctx context.Context, sql string, args ...interface{}) contracts.Row {
	switch {
	case strings.Contains(sql, "FROM saga_states WHERE id ="):
		return &sagaRowScanner{row: c.sagas[args[0].(string)]}
	case strings.Contains(sql, "FROM saga_states WHERE idempotency_key"):
		var latest *sagaRow
		for _, row := range c.sagas {
			if row.idempotencyKey != nil && *row.idempotencyKey == args[0].(string) {
				if latest == nil || row.startedAt.After(latest.startedAt) {
					latest = row
				}
			}
		}
		return &sagaRowScanner{row: latest}
	case strings.Contains(sql, "FROM saga_resource_locks"):
		key := args[0].(string)
		row, ok := c.locks[key]
		return &lockRowScanner{row: row, ok: ok}
	}
	return &sagaRowScanner{}
}

type comboRows struct{}

func (r *comboRows) Next() bool         { return false }
func (r *comboRows) Scan(...interface{}) error { return nil }
func (r *comboRows) Close()             {}
func (r *comboRows) Err() error         { return nil }

type sagaRowScanner struct{ row *sagaRow }

func (s *sagaRowScanner) Scan(dest ...interface{}) error {
	if s.row == nil {
		return fmt.Errorf("no rows")
	}
	r := s.row
	*dest[0].(*string) = r.id
	*dest[1].(*string) = r.sagaType
	*dest[2].(*string) = r.sagaVersion
	*dest[3].(*json.RawMessage) = r.contextJSON
	*dest[4].(*string) = r.status
	*dest[5].(*int) = r.currentStep
	*dest[6].(*[]byte) = r.resultsJSON
	*dest[7].(*time.Time) = r.startedAt
	*dest[8].(**time.Time) = r.completedAt
	*dest[9].(**string) = r.errMsg
	*dest[10].(**string) = r.compensationStatus
	*dest[11].(**time.Time) = nil
	*dest[12].(**string) = nil
	*dest[13].(**string) = r.idempotencyKey
	*dest[14].(*string) = r.correlationID
	return nil
}

type lockRowScanner struct {
	row lockRow
	ok  bool
}

func (s *lockRowScanner) Scan(dest ...interface{}) error {
	if !s.ok {
		return fmt.Errorf("no rows")
	}
	*dest[0].(*string) = "k"
	*dest[1].(*string) = s.row.holder
	*dest[2].(*time.Time) = s.row.acquiredAt
	*dest[3].(*time.Time) = s.row.expiresAt
	return nil
}

func newTestExecutor() (*Executor, *comboStore) {
	db := newComboStore()
	state := sagastate.New(db)
	locks := lock.New(db, contracts.SystemClock{})
	idem := idempotency.New(state)
	return NewExecutor(state, locks, idem, NewMetricsCollector(), contracts.SystemClock{}, nil), db
}

func TestRun_AllStepsSucceed_MarksCompleted(t *testing.T) {
	exec, _ := newTestExecutor()
	def := Definition{
		Type:    "create_record",
		Version: "1",
		Steps: []Step{
			{Name: "CreateInRecords", IsCompensatable: true,
				Execute:    func(ctx context.Context, sc *Context) (interface{}, error) { return "row-1", nil },
				Compensate: func(ctx context.Context, sc *Context, result interface{}) error { return nil }},
			{Name: "CommitToGit", IsCompensatable: false,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) { return "abc123", nil }},
		},
	}

	inst, err := exec.Run(context.Background(), def, map[string]interface{}{"recordId": "rec-1"}, "jdoe", "")
	require.NoError(t, err)
	assert.Equal(t, sagastate.StatusCompleted, inst.Status)
	assert.Len(t, inst.StepResults, 2)
}

func TestRun_StepFailureTriggersCompensationOfPriorSteps(t *testing.T) {
	exec, _ := newTestExecutor()
	compensated := false

	def := Definition{
		Type: "create_record",
		Steps: []Step{
			{Name: "CreateInRecords", IsCompensatable: true,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) { return "row-1", nil },
				Compensate: func(ctx context.Context, sc *Context, result interface{}) error {
					compensated = true
					return nil
				}},
			{Name: "CreateFile", IsCompensatable: true,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) {
					return nil, fmt.Errorf("disk full")
				}},
		},
	}

	inst, err := exec.Run(context.Background(), def, map[string]interface{}{"recordId": "rec-1"}, "jdoe", "")
	require.Error(t, err)
	assert.True(t, compensated)
	assert.Equal(t, sagastate.StatusFailed, inst.Status)
	require.NotNil(t, inst.CompensationStatus)
	assert.Equal(t, sagastate.CompensationCompleted, *inst.CompensationStatus)
}

func TestRun_FailureAfterGitCommitIsUncompensatable(t *testing.T) {
	exec, _ := newTestExecutor()

	def := Definition{
		Type: "publish_draft",
		Steps: []Step{
			{Name: "CommitToGit", IsCompensatable: false,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) { return "abc123", nil }},
			{Name: "DeleteDraft", IsCompensatable: false,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) {
					return nil, fmt.Errorf("draft row locked")
				}},
		},
	}

	_, err := exec.Run(context.Background(), def, map[string]interface{}{"draftId": "draft-1"}, "jdoe", "")
	require.Error(t, err)
	var uncompensatable *UncompensatableFailureError
	assert.ErrorAs(t, err, &uncompensatable)
}

func TestRun_ContextValidationFailureWritesNoState(t *testing.T) {
	exec, db := newTestExecutor()

	def := Definition{
		Type: "create_record",
		Validate: func(values map[string]interface{}) error {
			return fmt.Errorf("title is required")
		},
		Steps: []Step{{Name: "CreateInRecords", Execute: func(ctx context.Context, sc *Context) (interface{}, error) { return nil, nil }}},
	}

	_, err := exec.Run(context.Background(), def, map[string]interface{}{}, "jdoe", "")
	require.Error(t, err)
	var ctxErr *ContextError
	assert.ErrorAs(t, err, &ctxErr)
	assert.Empty(t, db.sagas)
}

func TestRun_ConcurrentExecutionOnSameResourceKeyFailsFast(t *testing.T) {
	exec, _ := newTestExecutor()

	blocking := make(chan struct{})
	def := Definition{
		Type: "archive_record",
		Steps: []Step{
			{Name: "UpdateStatusToArchived", IsCompensatable: true,
				Execute: func(ctx context.Context, sc *Context) (interface{}, error) {
					<-blocking
					return nil, nil
				}},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := exec.Run(context.Background(), def, map[string]interface{}{"recordId": "rec-1"}, "jdoe", "k1")
		done <- err
	}()

	// give the first run a chance to acquire the lock before the second starts
	time.Sleep(20 * time.Millisecond)

	_, err := exec.Run(context.Background(), def, map[string]interface{}{"recordId": "rec-1"}, "jdoe", "k2")
	require.Error(t, err)

	close(blocking)
	require.NoError(t, <-done)
}

func TestIsCritical_MatchesSubstrings(t *testing.T) {
	assert.True(t, IsCritical("CommitToGit"))
	assert.True(t, IsCritical("MoveFileToArchive"))
	assert.False(t, IsCritical("QueueIndexing"))
}
