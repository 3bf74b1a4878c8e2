package models

import "time"

// ApprovalKind names who must sign off on a unit's output before dependents
// may proceed.
type ApprovalKind string

const (
	NoApproval             ApprovalKind = "none"
	HumanApproval          ApprovalKind = "human"
	SeniorReviewerApproval ApprovalKind = "senior_reviewer"
)

type ApprovalStatus string

const (
	PendingApprovalStatus  ApprovalStatus = "pending"
	ApprovedApprovalStatus ApprovalStatus = "approved"
	RejectedApprovalStatus ApprovalStatus = "rejected"
)

// ApprovalRequest asks an external actor to sign off on a gated unit's output.
type ApprovalRequest struct {
	ID          string         `json:"id" db:"id"`                     // UUID, handed to external approvers
	RunID       int64          `json:"run_id" db:"run_id"`             // Owning workflow run
	ExecutionID int64          `json:"execution_id" db:"execution_id"` // The awaiting execution
	UnitID      string         `json:"unit_id" db:"unit_id"`           // Gated unit
	Approver    ApprovalKind   `json:"approver" db:"approver"`         // Required approver kind
	Status      ApprovalStatus `json:"status" db:"status"`             // "pending", "approved", "rejected"
	Reason      string         `json:"reason,omitempty" db:"reason"`   // Populated on rejection
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"` // Nullable resolution time
}
