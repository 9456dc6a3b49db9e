// Package recovery implements the recovery manager: a periodic
// sweep that transitions stuck and failed-needing-attention sagas
// without itself running compensation, leaving that to operators or a
// higher-level scheduler.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"civicrecords.dev/platform/sagastate"
)

// ManualInterventionSentinel is appended to a saga's error message when
// its compensation outcome was "failed", flagging it for a human.
const ManualInterventionSentinel = "[MANUAL_INTERVENTION_REQUIRED]"

// stateStore is the narrow slice of sagastate.Store the recovery manager
// needs.
type stateStore interface {
	GetStuckSagas(ctx context.Context, timeout time.Duration) ([]*sagastate.SagaInstance, error)
	GetFailedSagas(ctx context.Context) ([]*sagastate.SagaInstance, error)
	UpdateStatus(ctx context.Context, id, status string, currentStep *int, errMsg *string) error
}

// Manager periodically sweeps for stuck and failed sagas.
type Manager struct {
	store       stateStore
	stuckAfter  time.Duration
	log         *logrus.Entry
}

// New returns a recovery manager that considers an executing saga stuck
// once it has run longer than stuckAfter.
func New(store stateStore, stuckAfter time.Duration, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{store: store, stuckAfter: stuckAfter, log: log}
}

// Sweep runs one recovery pass: stuck sagas are marked failed with a
// reason naming the timeout, and failed sagas whose compensation
// outcome was "failed" are annotated with the manual-intervention
// sentinel. It returns the counts of each action taken.
func (m *Manager) Sweep(ctx context.Context) (stuckMarked, annotated int, err error) {
	stuck, err := m.store.GetStuckSagas(ctx, m.stuckAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("list stuck sagas: %w", err)
	}
	for _, inst := range stuck {
		reason := fmt.Sprintf("saga exceeded stuck timeout of %s", m.stuckAfter)
		if err := m.store.UpdateStatus(ctx, inst.ID, sagastate.StatusFailed, nil, &reason); err != nil {
			m.log.WithError(err).WithField("saga_id", inst.ID).Error("failed to mark stuck saga as failed")
			continue
		}
		stuckMarked++
	}

	failed, err := m.store.GetFailedSagas(ctx)
	if err != nil {
		return stuckMarked, 0, fmt.Errorf("list failed sagas: %w", err)
	}
	for _, inst := range failed {
		if inst.CompensationStatus == nil || *inst.CompensationStatus != sagastate.CompensationFailed {
			continue
		}
		errMsg := ManualInterventionSentinel
		if inst.Error != nil && *inst.Error != "" {
			errMsg = fmt.Sprintf("%s %s", ManualInterventionSentinel, *inst.Error)
		}
		if err := m.store.UpdateStatus(ctx, inst.ID, sagastate.StatusFailed, nil, &errMsg); err != nil {
			m.log.WithError(err).WithField("saga_id", inst.ID).Error("failed to annotate saga for manual intervention")
			continue
		}
		annotated++
	}

	return stuckMarked, annotated, nil
}

// Run invokes Sweep every interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuckMarked, annotated, err := m.Sweep(ctx)
			if err != nil {
				m.log.WithError(err).Error("recovery sweep failed")
				continue
			}
			if stuckMarked > 0 || annotated > 0 {
				m.log.WithFields(logrus.Fields{"stuck_marked": stuckMarked, "annotated": annotated}).Info("recovery sweep completed")
			}
		}
	}
}
