package models

// DefaultOutputName is the artifact name a unit publishes under when its
// configuration does not pick one.
const DefaultOutputName = "output"

// WorkUnit is a single schedulable task within a run graph. Units come from
// the run configuration and are immutable once the run starts; progress lives
// in UnitExecution rows, never here.
type WorkUnit struct {
	ID             string        `json:"id" yaml:"id"`                                     // Unique within the graph
	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`             // Human-readable name, defaults to ID
	Task           string        `json:"task" yaml:"task"`                                 // Task definition handed to the executor
	DependsOn      []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"` // Producer units whose outputs feed this one
	Approval       ApprovalKind  `json:"approval,omitempty" yaml:"approval,omitempty"`     // Empty inherits the run default
	Timeout        Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // Zero picks the scheduler default
	Retry          *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`           // Nil picks DefaultRetryPolicy
	EscalateTo     string        `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"` // Standby unit taking over after retry exhaustion
	Model          string        `json:"model,omitempty" yaml:"model,omitempty"`           // Executor model override
	OutputName     string        `json:"output,omitempty" yaml:"output,omitempty"`         // Artifact name, defaults to DefaultOutputName
	Schema         *OutputSchema `json:"schema,omitempty" yaml:"schema,omitempty"`         // Expected output shape
	RepairAttempts int           `json:"repair_attempts,omitempty" yaml:"repair_attempts,omitempty"` // Corrective re-attempts on schema violations
	ContextFrom    []string      `json:"context_from,omitempty" yaml:"context_from,omitempty"` // Extra producers eligible for context inclusion
	BudgetStrict   bool          `json:"budget_strict,omitempty" yaml:"budget_strict,omitempty"` // Degraded context fails the attempt instead of warning
	Standby        bool          `json:"standby,omitempty" yaml:"standby,omitempty"`       // Escalation target only, never scheduled directly
	Skip           bool          `json:"skip,omitempty" yaml:"skip,omitempty"`             // Pre-marked done at plan time
}

// DisplayName returns the configured name, falling back to the ID.
func (u WorkUnit) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// OutputArtifact returns the artifact name this unit publishes under.
func (u WorkUnit) OutputArtifact() string {
	if u.OutputName != "" {
		return u.OutputName
	}
	return DefaultOutputName
}

// RetryOrDefault returns the unit's retry policy with zero fields filled in.
func (u WorkUnit) RetryOrDefault() RetryPolicy {
	if u.Retry == nil {
		return DefaultRetryPolicy()
	}
	return u.Retry.Normalized()
}

// OutputSchema declares the shape an executor response must satisfy.
type OutputSchema struct {
	Format           string   `json:"format,omitempty" yaml:"format,omitempty"` // "json", "yaml", "markdown" or "text"
	RequiredSections []string `json:"required_sections,omitempty" yaml:"required_sections,omitempty"`
	MinChars         int      `json:"min_chars,omitempty" yaml:"min_chars,omitempty"`
	MaxChars         int      `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
}
