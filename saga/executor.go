package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/idempotency"
	"civicrecords.dev/platform/lock"
	"civicrecords.dev/platform/sagastate"
)

// DefaultStepTimeout applies when a step declares none.
const DefaultStepTimeout = 30 * time.Second

// DefaultSagaTimeout bounds total saga execution when the definition
// declares none.
const DefaultSagaTimeout = 5 * time.Minute

// DefaultLockTimeout is how long an acquired resource lock is held before
// it becomes reclaimable, absent an explicit caller override.
const DefaultLockTimeout = 5 * time.Minute

// Executor runs saga definitions against the C4-C6 collaborators.
type Executor struct {
	state       *sagastate.Store
	locks       *lock.Manager
	idempotency *idempotency.Manager
	metrics     *MetricsCollector
	clock       contracts.Clock
	log         *logrus.Entry
}

// NewExecutor wires an executor from its collaborators. log may be nil,
// in which case a standard logrus logger is used.
func NewExecutor(state *sagastate.Store, locks *lock.Manager, idem *idempotency.Manager, metrics *MetricsCollector, clock contracts.Clock, log *logrus.Entry) *Executor {
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	if metrics == nil {
		metrics = NewMetricsCollector()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{state: state, locks: locks, idempotency: idem, metrics: metrics, clock: clock, log: log}
}

// Run executes def against the given starting context values, returning
// the final saga instance. userID and idempotencyKey are both optional;
// when idempotencyKey is empty one is derived from userID and the
// context.
func (e *Executor) Run(ctx context.Context, def Definition, values map[string]interface{}, userID, idempotencyKey string) (*sagastate.SagaInstance, error) {
	log := e.log.WithFields(logrus.Fields{"saga_type": def.Type})
	startedAt := e.clock.Now()

	if idempotencyKey == "" {
		idempotencyKey = idempotency.DeriveKey(def.Type, userID, startedAt, values)
	}

	if replay, ok, err := e.idempotency.Check(ctx, idempotencyKey); err == nil && ok {
		log.WithField("idempotency_key", idempotencyKey).Info("replaying cached saga result")
		return e.replayedInstance(def, idempotencyKey, startedAt, replay), nil
	}

	if def.Validate != nil {
		if err := def.Validate(values); err != nil {
			return nil, &ContextError{SagaType: def.Type, Reason: err.Error()}
		}
	}

	sagaID := uuid.NewString()
	log = log.WithField("saga_id", sagaID)

	resKey := resourceKey(values)
	if resKey != "" {
		if _, err := e.locks.AcquireLock(ctx, resKey, sagaID, DefaultLockTimeout); err != nil {
			return nil, err
		}
		defer func() {
			if err := e.locks.ReleaseLock(context.Background(), resKey, sagaID); err != nil {
				log.WithError(err).Warn("failed to release saga resource lock")
			}
		}()
	}

	contextJSON, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal saga context: %w", err)
	}

	inst := &sagastate.SagaInstance{
		ID:             sagaID,
		SagaType:       def.Type,
		SagaVersion:    def.Version,
		Context:        contextJSON,
		Status:         sagastate.StatusExecuting,
		CurrentStep:    0,
		StartedAt:      startedAt,
		IdempotencyKey: &idempotencyKey,
	}
	if err := e.state.SaveState(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist initial saga state: %w", err)
	}

	sagaTimeout := def.Timeout
	if sagaTimeout == 0 {
		sagaTimeout = DefaultSagaTimeout
	}
	sagaCtx, cancel := context.WithTimeout(ctx, sagaTimeout)
	defer cancel()

	sc := &Context{Values: values}
	results, failedAt, stepErr := e.executeSteps(sagaCtx, def, sc, inst)

	inst.StepResults = results

	if stepErr == nil {
		inst.Status = sagastate.StatusCompleted
		now := e.clock.Now()
		inst.CompletedAt = &now
		if err := e.state.UpdateStepResults(ctx, inst.ID, inst.StepResults); err != nil {
			log.WithError(err).Error("failed to persist final step results")
		}
		if err := e.state.UpdateStatus(ctx, inst.ID, sagastate.StatusCompleted, &inst.CurrentStep, nil); err != nil {
			log.WithError(err).Error("failed to persist completed status")
		}
		e.metrics.RecordExecution(def.Type, e.clock.Now().Sub(startedAt), true)
		return inst, nil
	}

	errMsg := stepErr.Error()
	inst.Error = &errMsg
	compStatus := e.compensate(sagaCtx, def, sc, results, failedAt, log)
	inst.CompensationStatus = &compStatus

	if err := e.state.UpdateStepResults(ctx, inst.ID, inst.StepResults); err != nil {
		log.WithError(err).Error("failed to persist step results after failure")
	}
	if err := e.state.UpdateCompensationStatus(ctx, inst.ID, compStatus, nil); err != nil {
		log.WithError(err).Error("failed to persist compensation status")
	}
	if err := e.state.UpdateStatus(ctx, inst.ID, sagastate.StatusFailed, &inst.CurrentStep, &errMsg); err != nil {
		log.WithError(err).Error("failed to persist failed status")
	}
	inst.Status = sagastate.StatusFailed

	e.metrics.RecordExecution(def.Type, e.clock.Now().Sub(startedAt), false)

	if failedAt >= firstUncompensatableIndex(def) {
		return inst, &UncompensatableFailureError{SagaType: def.Type, Err: stepErr}
	}
	return inst, stepErr
}

func firstUncompensatableIndex(def Definition) int {
	for i, s := range def.Steps {
		if !s.IsCompensatable {
			return i
		}
	}
	return len(def.Steps)
}

// executeSteps runs def.Steps in order, persisting progress after each
// success, and returns the accumulated results plus the index and error
// of the step that failed (failedAt == -1 on full success).
func (e *Executor) executeSteps(ctx context.Context, def Definition, sc *Context, inst *sagastate.SagaInstance) ([]sagastate.StepResult, int, error) {
	results := make([]sagastate.StepResult, 0, len(def.Steps))

	for i, step := range def.Steps {
		inst.CurrentStep = i
		if err := e.state.UpdateStatus(ctx, inst.ID, sagastate.StatusExecuting, &i, nil); err != nil {
			e.log.WithError(err).Warn("failed to persist current step progress")
		}

		timeout := step.Timeout
		if timeout == 0 {
			timeout = DefaultStepTimeout
		}

		result, err := e.runStepWithTimeout(ctx, step, sc, timeout)
		if err != nil {
			results = append(results, sagastate.StepResult{StepName: step.Name, Success: false, Error: err.Error()})
			return results, i, err
		}

		resultJSON, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resultJSON = nil
		}
		results = append(results, sagastate.StepResult{StepName: step.Name, Success: true, Result: resultJSON})
		sc.Set(stepResultKey(step.Name), result)
		if err := e.state.UpdateStepResults(ctx, inst.ID, results); err != nil {
			e.log.WithError(err).Warn("failed to persist step results")
		}
	}

	return results, -1, nil
}

func stepResultKey(stepName string) string { return "__result_" + stepName }

func (e *Executor) runStepWithTimeout(ctx context.Context, step Step, sc *Context, timeout time.Duration) (interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := step.Execute(stepCtx, sc)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &StepError{StepName: step.Name, Err: o.err}
		}
		return o.result, nil
	case <-stepCtx.Done():
		return nil, &TimeoutError{StepName: step.Name, Timeout: timeout}
	}
}

// compensate walks steps[failedAt-1 ... 0] in descending order, invoking
// Compensate on each compensatable, successfully-executed step. It
// returns the aggregate compensation status: "completed" if every
// attempted compensation succeeded, "failed" if any failure occurred on
// a critical step, otherwise "partial".
func (e *Executor) compensate(ctx context.Context, def Definition, sc *Context, results []sagastate.StepResult, failedAt int, log *logrus.Entry) string {
	anyFailure := false
	anyCriticalFailure := false
	anyAttempted := false

	for j := failedAt - 1; j >= 0; j-- {
		step := def.Steps[j]
		if !step.IsCompensatable || !results[j].Success {
			continue
		}
		anyAttempted = true

		stepResult := sc.Get(stepResultKey(step.Name))
		err := step.Compensate(ctx, sc, stepResult)
		success := err == nil
		e.metrics.RecordCompensation(def.Type, success)

		if err != nil {
			log.WithError(err).WithField("step", step.Name).Error("compensation failed")
			anyFailure = true
			if IsCritical(step.Name) {
				anyCriticalFailure = true
			}
		}
	}

	if !anyAttempted || !anyFailure {
		return sagastate.CompensationCompleted
	}
	if anyCriticalFailure {
		return sagastate.CompensationFailed
	}
	return sagastate.CompensationPartial
}

func (e *Executor) replayedInstance(def Definition, idempotencyKey string, startedAt time.Time, replay *sagastate.StepResult) *sagastate.SagaInstance {
	now := e.clock.Now()
	return &sagastate.SagaInstance{
		SagaType:       def.Type,
		SagaVersion:    def.Version,
		Status:         sagastate.StatusCompleted,
		StartedAt:      startedAt,
		CompletedAt:    &now,
		StepResults:    []sagastate.StepResult{*replay},
		IdempotencyKey: &idempotencyKey,
	}
}
