// Package recovery decides what happens after a unit execution settles:
// retry with backoff, hand the work to the unit's escalation target, requeue
// without consuming budget, or give up and fail the run. It owns no state;
// the scheduler feeds it the attempt history and acts on the decision.
package recovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/ignatij/agentflow/pkg/assembler"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/schema"
	"github.com/pkg/errors"
)

// Action is the scheduler's next move for a failed attempt.
type Action int

const (
	// ActionRetry re-dispatches the same unit definition after Delay.
	ActionRetry Action = iota
	// ActionEscalate hands the unit to its escalate_to standby definition.
	ActionEscalate
	// ActionRequeue returns the unit to the ready set without touching the
	// retry budget (approval rejections, crash interruptions).
	ActionRequeue
	// ActionFatal exhausts the unit's recovery options and fails the run.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionEscalate:
		return "escalate"
	case ActionRequeue:
		return "requeue"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

// Decision is the classified outcome of one failed attempt.
type Decision struct {
	Action Action
	Kind   models.ErrorKind
	Delay  time.Duration // backoff before a retry, zero otherwise
	Reason string
}

// kinder lets error types carry their own classification. The executor
// adapter implements it for transport failures.
type kinder interface {
	Kind() models.ErrorKind
}

// KindOf maps an error to its failure kind. Typed errors win; the fallbacks
// cover context expiry and the engine's sentinel errors.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var k kinder
	switch {
	case errors.As(err, &k):
		return k.Kind()
	case errors.Is(err, context.DeadlineExceeded):
		return models.TimeoutErrorKind
	case errors.Is(err, context.Canceled):
		return models.CancelledErrorKind
	case errors.Is(err, assembler.ErrBudget):
		return models.BudgetErrorKind
	case errors.Is(err, schema.ErrViolation):
		return models.SchemaErrorKind
	}
	return models.ExecutorErrorKind
}

// retryable kinds consume the unit's retry budget.
func retryable(kind models.ErrorKind) bool {
	switch kind {
	case models.ExecutorErrorKind, models.TimeoutErrorKind, models.RateLimitErrorKind, models.BudgetErrorKind:
		return true
	}
	return false
}

// Classify decides the next action after a failed attempt. The unit is the
// definition that actually executed (the escalation target once escalated, so
// the target's own retry budget applies). attempts counts failures by that
// definition including this one; schemaFailures counts schema violations by
// it, which draw on the separate repair budget.
func Classify(kind models.ErrorKind, unit *models.WorkUnit, attempts, schemaFailures int) Decision {
	policy := unit.RetryOrDefault()

	switch {
	case kind.Requeueable():
		return Decision{Action: ActionRequeue, Kind: kind, Reason: "requeued for a fresh dispatch"}

	case kind == models.ConfigurationErrorKind:
		return Decision{Action: ActionFatal, Kind: kind, Reason: "configuration errors are not retryable"}

	case kind == models.CancelledErrorKind:
		return Decision{Action: ActionFatal, Kind: kind, Reason: "run cancelled"}

	case kind == models.SchemaErrorKind:
		if schemaFailures <= unit.RepairAttempts {
			return Decision{
				Action: ActionRetry,
				Kind:   kind,
				Delay:  Backoff(policy, attempts),
				Reason: "repair attempt for schema violation",
			}
		}
		return exhausted(kind, unit, "repair attempts exhausted")

	case retryable(kind):
		if attempts < policy.MaxAttempts {
			return Decision{
				Action: ActionRetry,
				Kind:   kind,
				Delay:  Backoff(policy, attempts),
				Reason: "transient failure",
			}
		}
		return exhausted(kind, unit, "retry attempts exhausted")
	}

	return exhausted(kind, unit, "failure kind is not retryable")
}

func exhausted(kind models.ErrorKind, unit *models.WorkUnit, reason string) Decision {
	if unit.EscalateTo != "" {
		return Decision{Action: ActionEscalate, Kind: kind, Reason: reason}
	}
	return Decision{Action: ActionFatal, Kind: kind, Reason: reason}
}

// Backoff returns the delay before the next attempt. attempts is 1-based: the
// first retry waits BaseDelay, each further retry doubles it up to MaxDelay.
// With jitter the delay lands in [d/2, d].
func Backoff(policy models.RetryPolicy, attempts int) time.Duration {
	base := policy.BaseDelay.Std()
	if base <= 0 {
		base = time.Second
	}
	max := policy.MaxDelay.Std()

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}
	if policy.Jitter && d > 1 {
		half := int64(d / 2)
		d = time.Duration(half + rand.Int63n(half+1))
	}
	return d
}

// MarkInterrupted rewrites a mid-flight execution row found on startup. A
// running row surviving a crash cannot be trusted, so it fails with the
// interrupted kind and the requeue flag, making the unit eligible again.
func MarkInterrupted(e models.UnitExecution, at time.Time) models.UnitExecution {
	e.Status = models.FailedExecutionStatus
	e.ErrorKind = models.InterruptedErrorKind
	e.ErrorMsg = "attempt was in flight when the process stopped"
	e.Requeue = true
	e.FinishedAt = &at
	return e
}

// Sleep blocks for the decision's delay, returning early if the context ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
