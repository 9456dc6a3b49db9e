// Package sagastate is the durable state store for saga instances:
// persistence of status, current step, per-step results, compensation
// status, and the idempotency-key index. It is built on the generic
// execute/query adapter the metadata store exposes (see contracts.
// MetadataStore), using the same table-of-SQL-statements idiom as a state
// store built directly against pgxpool: every mutating method is a single
// parameterized statement, and RowsAffected()==0 means not-found.
package sagastate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"civicrecords.dev/platform/contracts"
)

// Status values for SagaInstance.Status, following the state machine in
// the saga coordinator's design.
const (
	StatusPending      = "pending"
	StatusExecuting    = "executing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCompensating = "compensating"
	StatusCompensated  = "compensated"
)

// Compensation status values.
const (
	CompensationPending   = "pending"
	CompensationExecuting = "executing"
	CompensationCompleted = "completed"
	CompensationFailed    = "failed"
	CompensationPartial   = "partial"
)

// StepResult is one step's recorded execution outcome.
type StepResult struct {
	StepName string          `json:"step_name"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SagaInstance is a persisted execution of a saga.
type SagaInstance struct {
	ID                      string
	SagaType                string
	SagaVersion             string
	Context                 json.RawMessage
	Status                  string
	CurrentStep             int
	StepResults             []StepResult
	StartedAt               time.Time
	CompletedAt             *time.Time
	Error                   *string
	CompensationStatus      *string
	CompensationCompletedAt *time.Time
	CompensationError       *string
	IdempotencyKey          *string
	CorrelationID           string
}

// NotFoundError is returned when a saga instance doesn't exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("saga instance not found: %s", e.ID) }

// Store is the C4 contract implementation, backed by any
// contracts.MetadataStore (normally the Postgres adapter).
type Store struct {
	db contracts.MetadataStore
}

// New returns a state store bound to db. The caller is responsible for
// having applied the saga_states schema.
func New(db contracts.MetadataStore) *Store {
	return &Store{db: db}
}

// SaveState inserts a new saga instance row.
func (s *Store) SaveState(ctx context.Context, inst *SagaInstance) error {
	resultsJSON, err := json.Marshal(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	query := `
		INSERT INTO saga_states (id, saga_type, saga_version, context, status, current_step,
			step_results, started_at, idempotency_key, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.Exec(ctx, query,
		inst.ID, inst.SagaType, inst.SagaVersion, inst.Context, inst.Status, inst.CurrentStep,
		resultsJSON, inst.StartedAt, inst.IdempotencyKey, inst.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("save saga state: %w", err)
	}
	return nil
}

const selectColumns = `id, saga_type, saga_version, context, status, current_step, step_results,
		       started_at, completed_at, error, compensation_status, compensation_completed_at,
		       compensation_error, idempotency_key, correlation_id`

// GetState retrieves a saga instance by id.
func (s *Store) GetState(ctx context.Context, id string) (*SagaInstance, error) {
	query := `SELECT ` + selectColumns + ` FROM saga_states WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id), id)
}

// GetStateByIdempotencyKey retrieves the most recent saga instance with
// the given idempotency key, if any.
func (s *Store) GetStateByIdempotencyKey(ctx context.Context, key string) (*SagaInstance, error) {
	query := `SELECT ` + selectColumns + ` FROM saga_states WHERE idempotency_key = $1
		ORDER BY started_at DESC LIMIT 1`
	return s.scanOne(s.db.QueryRow(ctx, query, key), key)
}

func (s *Store) scanOne(row contracts.Row, ref string) (*SagaInstance, error) {
	inst := &SagaInstance{}
	var resultsJSON []byte
	err := row.Scan(
		&inst.ID, &inst.SagaType, &inst.SagaVersion, &inst.Context, &inst.Status, &inst.CurrentStep,
		&resultsJSON, &inst.StartedAt, &inst.CompletedAt, &inst.Error, &inst.CompensationStatus,
		&inst.CompensationCompletedAt, &inst.CompensationError, &inst.IdempotencyKey, &inst.CorrelationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get saga state %s: %w", ref, err)
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &inst.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	return inst, nil
}

// UpdateStatus transitions a saga instance's status, optionally moving
// the current step pointer and recording an error.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, currentStep *int, errMsg *string) error {
	query := `
		UPDATE saga_states
		SET status = $1,
		    current_step = COALESCE($2, current_step),
		    error = COALESCE($3, error),
		    completed_at = CASE WHEN $1 IN ('completed', 'failed', 'compensated') THEN NOW() ELSE completed_at END
		WHERE id = $4`

	affected, err := s.db.Exec(ctx, query, status, currentStep, errMsg, id)
	if err != nil {
		return fmt.Errorf("update saga status: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// UpdateStepResults replaces the persisted step-results array.
func (s *Store) UpdateStepResults(ctx context.Context, id string, results []StepResult) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	affected, err := s.db.Exec(ctx, `UPDATE saga_states SET step_results = $1 WHERE id = $2`, resultsJSON, id)
	if err != nil {
		return fmt.Errorf("update step results: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// UpdateCompensationStatus records the outcome of a compensation pass.
func (s *Store) UpdateCompensationStatus(ctx context.Context, id, status string, errMsg *string) error {
	query := `
		UPDATE saga_states
		SET compensation_status = $1,
		    compensation_error = COALESCE($2, compensation_error),
		    compensation_completed_at = NOW()
		WHERE id = $3`

	affected, err := s.db.Exec(ctx, query, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("update compensation status: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// GetStuckSagas returns sagas with status=executing whose startedAt
// predates now-timeout.
func (s *Store) GetStuckSagas(ctx context.Context, timeout time.Duration) ([]*SagaInstance, error) {
	query := `SELECT ` + selectColumns + ` FROM saga_states
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at`

	rows, err := s.db.Query(ctx, query, StatusExecuting, time.Now().Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("get stuck sagas: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// GetFailedSagas returns sagas with status=failed whose compensation
// status is absent, pending, partial, or failed — the set recovery needs
// to either retry or flag for manual intervention.
func (s *Store) GetFailedSagas(ctx context.Context) ([]*SagaInstance, error) {
	query := `SELECT ` + selectColumns + ` FROM saga_states
		WHERE status = $1 AND (compensation_status IS NULL OR compensation_status IN ($2, $3, $4))
		ORDER BY started_at`

	rows, err := s.db.Query(ctx, query, StatusFailed, CompensationPending, CompensationPartial, CompensationFailed)
	if err != nil {
		return nil, fmt.Errorf("get failed sagas: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *Store) scanAll(rows contracts.Rows) ([]*SagaInstance, error) {
	var out []*SagaInstance
	for rows.Next() {
		inst := &SagaInstance{}
		var resultsJSON []byte
		err := rows.Scan(
			&inst.ID, &inst.SagaType, &inst.SagaVersion, &inst.Context, &inst.Status, &inst.CurrentStep,
			&resultsJSON, &inst.StartedAt, &inst.CompletedAt, &inst.Error, &inst.CompensationStatus,
			&inst.CompensationCompletedAt, &inst.CompensationError, &inst.IdempotencyKey, &inst.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan saga state row: %w", err)
		}
		if len(resultsJSON) > 0 {
			if err := json.Unmarshal(resultsJSON, &inst.StepResults); err != nil {
				return nil, fmt.Errorf("unmarshal step results: %w", err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
