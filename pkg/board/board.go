// Package board notifies an external task tracker of unit progress. The
// engine owns no business logic here: it reports transitions between board
// columns and the notifier guards against jumps the board cannot represent.
package board

import (
	"context"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Status is a board column.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusInQA       Status = "in-qa"
	StatusDone       Status = "done"
)

// ErrIllegalTransition is returned when a reported jump is not in the
// transition table.
var ErrIllegalTransition = errors.New("illegal board transition")

// validTransitions is the board's state machine. Done is terminal.
var validTransitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusTodo, StatusBlocked, StatusInQA, StatusDone},
	StatusBlocked:    {StatusTodo, StatusInProgress},
	StatusInQA:       {StatusTodo, StatusInProgress, StatusDone},
	StatusDone:       {},
}

// ValidTransition reports whether the board allows moving from one status to the other.
func ValidTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusFor maps an execution status to its board column.
func StatusFor(s models.ExecutionStatus) Status {
	switch s {
	case models.PendingExecutionStatus:
		return StatusTodo
	case models.RunningExecutionStatus:
		return StatusInProgress
	case models.AwaitingApprovalExecutionStatus:
		return StatusInQA
	case models.CompletedExecutionStatus, models.SkippedExecutionStatus:
		return StatusDone
	case models.FailedExecutionStatus:
		return StatusBlocked
	}
	return StatusTodo
}

// Notifier receives unit transitions. Implementations must tolerate being
// called concurrently for different units.
type Notifier interface {
	Notify(ctx context.Context, unitID string, from, to Status) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, Status, Status) error {
	return nil
}

// LogNotifier records transitions as structured log lines.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier returns a Notifier writing to the given logger.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, unitID string, from, to Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "unit '%s': %s -> %s", unitID, from, to)
	}
	n.logger.WithFields(logrus.Fields{
		"unit": unitID,
		"from": from,
		"to":   to,
	}).Info("board transition")
	return nil
}
