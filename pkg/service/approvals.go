package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/agentflow/pkg/board"
	"github.com/ignatij/agentflow/pkg/events"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// requiredApproval resolves a unit's gate: the unit-level setting wins,
// otherwise the run default applies.
func requiredApproval(u *models.WorkUnit, runDefault models.ApprovalKind) models.ApprovalKind {
	if u.Approval != "" {
		return u.Approval
	}
	if runDefault != "" {
		return runDefault
	}
	return models.NoApproval
}

func (o *Orchestrator) createApproval(runID int64, e *models.UnitExecution, gate models.ApprovalKind) error {
	a := models.ApprovalRequest{
		ID:          uuid.NewString(),
		RunID:       runID,
		ExecutionID: e.ID,
		UnitID:      e.UnitID,
		Approver:    gate,
		Status:      models.PendingApprovalStatus,
	}
	if err := o.store.SaveApproval(a); err != nil {
		return errors.Wrapf(err, "request approval for unit '%s'", e.UnitID)
	}
	return nil
}

// ListPendingApprovals returns every approval still waiting on a decision.
func (o *Orchestrator) ListPendingApprovals() ([]models.ApprovalRequest, error) {
	return o.store.ListApprovals(models.PendingApprovalStatus)
}

// ListApprovals returns approvals filtered by status; an empty status returns
// all of them.
func (o *Orchestrator) ListApprovals(status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	return o.store.ListApprovals(status)
}

// GetApproval fetches one approval request by its ID.
func (o *Orchestrator) GetApproval(id string) (models.ApprovalRequest, error) {
	a, err := o.store.GetApproval(id)
	if err != nil {
		return models.ApprovalRequest{}, errors.Wrapf(err, "approval '%s'", id)
	}
	return a, nil
}

// ResolveApproval settles a pending approval. Approve flips the awaiting
// execution to completed, unlocking dependents on the scheduler's next poll.
// Reject fails it with the requeue flag, so the unit re-enters the ready set
// for a fresh dispatch carrying the rejection reason; a rejection never
// consumes retry budget.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id string, approve bool, reason string) (err error) {
	txStore, err := o.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				o.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			o.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	a, err := txStore.GetApproval(id)
	if err != nil {
		return errors.Wrapf(err, "approval '%s'", id)
	}
	if a.Status != models.PendingApprovalStatus {
		return errors.Errorf("approval '%s' was already %s", id, a.Status)
	}

	execs, err := txStore.ListExecutions(a.RunID)
	if err != nil {
		return errors.Wrapf(err, "list executions of run %d", a.RunID)
	}
	var execution *models.UnitExecution
	for i := range execs {
		if execs[i].ID == a.ExecutionID {
			execution = &execs[i]
			break
		}
	}
	if execution == nil {
		return errors.Errorf("approval '%s' points at unknown execution %d", id, a.ExecutionID)
	}
	if execution.Status != models.AwaitingApprovalExecutionStatus {
		return errors.Errorf("execution %d of unit '%s' is %s, not awaiting approval", execution.ID, execution.UnitID, execution.Status)
	}

	now := time.Now()
	if approve {
		if err = txStore.ResolveApproval(id, models.ApprovedApprovalStatus, reason); err != nil {
			return errors.Wrapf(err, "approve '%s'", id)
		}
		execution.Status = models.CompletedExecutionStatus
		execution.FinishedAt = &now
		if err = txStore.UpdateExecution(*execution); err != nil {
			return errors.Wrapf(err, "complete execution %d", execution.ID)
		}
		o.emit(events.Event{Type: events.ApprovalResolved, RunID: a.RunID, UnitID: a.UnitID, Attempt: execution.Attempt, Wave: execution.Wave})
		o.notifyBoard(ctx, a.UnitID, board.StatusInQA, board.StatusDone)
		o.logger.Infof("Approved unit '%s' in run %d (approval %s)", a.UnitID, a.RunID, id)
		return nil
	}

	if err = txStore.ResolveApproval(id, models.RejectedApprovalStatus, reason); err != nil {
		return errors.Wrapf(err, "reject '%s'", id)
	}
	if reason == "" {
		reason = "rejected without a stated reason"
	}
	execution.Status = models.FailedExecutionStatus
	execution.ErrorKind = models.ApprovalRejectedErrorKind
	execution.ErrorMsg = reason
	execution.Requeue = true
	execution.FinishedAt = &now
	if err = txStore.UpdateExecution(*execution); err != nil {
		return errors.Wrapf(err, "requeue execution %d", execution.ID)
	}
	o.emit(events.Event{Type: events.ApprovalResolved, RunID: a.RunID, UnitID: a.UnitID, Attempt: execution.Attempt, Wave: execution.Wave, ErrorKind: models.ApprovalRejectedErrorKind, ErrorMsg: reason})
	o.notifyBoard(ctx, a.UnitID, board.StatusInQA, board.StatusTodo)
	o.logger.Infof("Rejected unit '%s' in run %d (approval %s): %s", a.UnitID, a.RunID, id, reason)
	return nil
}
