// Package events is the engine's observability side channel. Every run and
// execution transition is emitted as one Event to the configured sinks; no
// component reads events back for control decisions.
package events

import (
	"time"

	"github.com/ignatij/agentflow/pkg/models"
)

// Type tags what happened.
type Type string

const (
	RunStarted   Type = "run_started"
	RunResumed   Type = "run_resumed"
	RunPaused    Type = "run_paused"
	RunCompleted Type = "run_completed"
	RunFailed    Type = "run_failed"
	RunCancelled Type = "run_cancelled"

	WaveStarted   Type = "wave_started"
	WaveCompleted Type = "wave_completed"

	UnitStarted          Type = "unit_started"
	UnitCompleted        Type = "unit_completed"
	UnitFailed           Type = "unit_failed"
	UnitRetrying         Type = "unit_retrying"
	UnitEscalated        Type = "unit_escalated"
	UnitAwaitingApproval Type = "unit_awaiting_approval"
	UnitSkipped          Type = "unit_skipped"

	CheckpointSaved  Type = "checkpoint_saved"
	ApprovalResolved Type = "approval_resolved"
	ContextDegraded  Type = "context_degraded"
)

// Event is one transition record.
type Event struct {
	Type         Type
	RunID        int64
	UnitID       string
	ExecutedAs   string // set when the attempt ran under an escalation target
	Attempt      int
	Wave         int
	ErrorKind    models.ErrorKind
	ErrorMsg     string
	InputTokens  int
	OutputTokens int
	Omissions    int // context candidates dropped by the assembler
	Duration     time.Duration
	Time         time.Time
}

// Sink consumes events. Implementations must be safe for concurrent use;
// units within a wave emit in parallel.
type Sink interface {
	Emit(e Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		s.Emit(e)
	}
}
