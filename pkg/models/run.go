package models

import "time"

type RunStatus string

const (
	RunningRunStatus   RunStatus = "running"
	PausedRunStatus    RunStatus = "paused"
	CompletedRunStatus RunStatus = "completed"
	FailedRunStatus    RunStatus = "failed"
)

// Terminal reports whether the run reached a final state.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus
}

// WorkflowRun represents one end-to-end execution of a configured run graph.
type WorkflowRun struct {
	ID               int64            `json:"id" db:"id"`                                 // Unique identifier (PostgreSQL auto-increment)
	Name             string           `json:"name" db:"name"`                             // Descriptive name (e.g., "release-pipeline")
	Status           RunStatus        `json:"status" db:"status"`                         // "running", "paused", "completed", "failed"
	GraphConfig      string           `json:"graph_config,omitempty" db:"graph_config"`   // Serialized run configuration; resume rebuilds the graph from it
	TokenBudget      int              `json:"token_budget" db:"token_budget"`             // Per-unit context budget in tokens
	RunTokenCap      int              `json:"run_token_cap" db:"run_token_cap"`           // Run-wide token ceiling, 0 disables it
	MaxParallel      int              `json:"max_parallel" db:"max_parallel"`             // Upper bound on concurrently running units
	CheckpointPolicy CheckpointPolicy `json:"checkpoint_policy" db:"checkpoint_policy"`   // When checkpoints are written
	ApprovalDefault  ApprovalKind     `json:"approval_default" db:"approval_default"`     // Gate applied when a unit declares none
	Reason           string           `json:"reason,omitempty" db:"reason"`               // Failure or cancellation reason chain
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`                 // Creation timestamp
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`                 // Last update timestamp
	FinishedAt       *time.Time       `json:"finished_at,omitempty" db:"finished_at"`     // Nullable end time
	Executions       []UnitExecution  `json:"executions,omitempty"`                       // Populated at runtime
}
