package models

import "time"

type ExecutionStatus string

const (
	PendingExecutionStatus          ExecutionStatus = "pending"
	RunningExecutionStatus          ExecutionStatus = "running"
	CompletedExecutionStatus        ExecutionStatus = "completed"
	FailedExecutionStatus           ExecutionStatus = "failed"
	SkippedExecutionStatus          ExecutionStatus = "skipped"
	AwaitingApprovalExecutionStatus ExecutionStatus = "awaiting_approval"
)

// TerminalSuccess reports whether the status satisfies dependent units.
func (s ExecutionStatus) TerminalSuccess() bool {
	return s == CompletedExecutionStatus || s == SkippedExecutionStatus
}

// Active reports whether the attempt is still occupying its unit's slot.
func (s ExecutionStatus) Active() bool {
	return s == PendingExecutionStatus || s == RunningExecutionStatus
}

// ErrorKind classifies execution failures for retry and escalation decisions.
type ErrorKind string

const (
	ConfigurationErrorKind    ErrorKind = "configuration"     // Invalid graph or unit settings, fatal
	ExecutorErrorKind         ErrorKind = "executor"          // Transient executor failure, retryable
	TimeoutErrorKind          ErrorKind = "timeout"           // Attempt exceeded its deadline, retryable
	RateLimitErrorKind        ErrorKind = "rate_limit"        // Executor backpressure, retryable
	SchemaErrorKind           ErrorKind = "schema"            // Output failed the declared shape
	BudgetErrorKind           ErrorKind = "budget"            // Context could not fit even summaries
	ApprovalRejectedErrorKind ErrorKind = "approval_rejected" // Reviewer sent the unit back, requeued
	InterruptedErrorKind      ErrorKind = "interrupted"       // Crash mid-flight, requeued on resume
	CancelledErrorKind        ErrorKind = "cancelled"         // Run was cancelled
)

// Requeueable reports whether a failure of this kind re-enters the ready set
// without consuming retry budget.
func (k ErrorKind) Requeueable() bool {
	return k == ApprovalRejectedErrorKind || k == InterruptedErrorKind
}

// UnitExecution is the audit record of one attempt to run a WorkUnit. Rows are
// append-only: every attempt inserts a new row and later transitions update
// only that row's status fields, so the full attempt history survives.
type UnitExecution struct {
	ID             int64           `json:"id" db:"id"`                           // Auto-incremented execution ID
	RunID          int64           `json:"run_id" db:"run_id"`                   // Owning workflow run
	UnitID         string          `json:"unit_id" db:"unit_id"`                 // Unit this attempt belongs to
	ExecutedAs     string          `json:"executed_as" db:"executed_as"`         // Unit definition actually run; differs after escalation
	Attempt        int             `json:"attempt" db:"attempt"`                 // 1-based, strictly increasing per unit
	Wave           int             `json:"wave" db:"wave"`                       // Dispatch round within the run
	Status         ExecutionStatus `json:"status" db:"status"`                   // Lifecycle state of this attempt
	OutputProducer string          `json:"output_producer,omitempty" db:"output_producer"` // Artifact reference, never content
	OutputArtifact string          `json:"output_name,omitempty" db:"output_name"`
	OutputVersion  int             `json:"output_version,omitempty" db:"output_version"`
	InputTokens    int             `json:"input_tokens" db:"input_tokens"`   // Assembled context size
	OutputTokens   int             `json:"output_tokens" db:"output_tokens"` // Executor response size
	ErrorKind      ErrorKind       `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMsg       string          `json:"error,omitempty" db:"error_msg"` // Last error message (optional)
	Requeue        bool            `json:"requeue,omitempty" db:"requeue"` // Fresh dispatch allowed without consuming retry budget
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt     *time.Time      `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
