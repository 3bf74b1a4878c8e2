package storage

import (
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for AgentFlow. Executions are
// append-style: every attempt gets its own row, and updates only move that
// row through its lifecycle, so the full attempt history survives for audit.
type Store interface {
	// Run operations
	SaveRun(run models.WorkflowRun) (int64, error)
	GetRun(id int64) (models.WorkflowRun, error)
	ListRuns() ([]models.WorkflowRun, error)
	UpdateRunStatus(id int64, status models.RunStatus, reason string) error
	// ListIncompleteRuns returns runs left in the running state, for crash
	// recovery on startup. Paused runs are parked deliberately and excluded.
	ListIncompleteRuns() ([]models.WorkflowRun, error)

	// Execution operations
	SaveExecution(e models.UnitExecution) (int64, error)
	UpdateExecution(e models.UnitExecution) error
	ListExecutions(runID int64) ([]models.UnitExecution, error)

	// Checkpoint operations
	SaveCheckpoint(c models.Checkpoint) (int64, error)
	LatestCheckpoint(runID int64) (models.Checkpoint, error)
	ListCheckpoints(runID int64) ([]models.Checkpoint, error)

	// Approval operations
	SaveApproval(a models.ApprovalRequest) error
	GetApproval(id string) (models.ApprovalRequest, error)
	ResolveApproval(id string, status models.ApprovalStatus, reason string) error
	ListApprovals(status models.ApprovalStatus) ([]models.ApprovalRequest, error)

	// Transaction operations
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error
}
