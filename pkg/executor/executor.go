// Package executor abstracts the opaque async operation behind a work unit:
// hand in a prompt, get text or a typed failure back. The engine never looks
// inside the work; it only schedules, feeds and classifies it.
package executor

import (
	"context"

	"github.com/ignatij/agentflow/pkg/models"
)

// Result is one successful execution.
type Result struct {
	Output       string
	InputTokens  int
	OutputTokens int
	Model        string // model that actually served the request
}

// Executor performs one unit of work. Implementations must honor context
// cancellation; the scheduler applies per-attempt timeouts through it.
type Executor interface {
	Execute(ctx context.Context, unit *models.WorkUnit, prompt string) (*Result, error)
}

// Error is a typed executor failure. Kind feeds recovery classification.
type Error struct {
	kind models.ErrorKind
	err  error
}

// NewError wraps err with a failure kind.
func NewError(kind models.ErrorKind, err error) *Error {
	return &Error{kind: kind, err: err}
}

func (e *Error) Error() string {
	return string(e.kind) + ": " + e.err.Error()
}

func (e *Error) Kind() models.ErrorKind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.err
}

// Func adapts a plain function, for tests and examples.
type Func func(ctx context.Context, unit *models.WorkUnit, prompt string) (*Result, error)

func (f Func) Execute(ctx context.Context, unit *models.WorkUnit, prompt string) (*Result, error) {
	return f(ctx, unit, prompt)
}
