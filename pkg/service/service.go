package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/assembler"
	"github.com/ignatij/agentflow/pkg/board"
	"github.com/ignatij/agentflow/pkg/config"
	"github.com/ignatij/agentflow/pkg/events"
	"github.com/ignatij/agentflow/pkg/executor"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/recovery"
	"github.com/ignatij/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Orchestrator
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Orchestrator drives workflow runs end to end: it persists the run, schedules
// units wave by wave, delegates failure handling to the recovery rules and
// exposes the operator surface (start, pause, resume, cancel, approvals).
// A run is a specific instance of a configured unit graph, persisted with a
// unique ID; one Orchestrator can drive many runs concurrently, each with its
// own scheduling state.
type Orchestrator struct {
	store     storage.Store
	artifacts artifact.Store
	asm       *assembler.Assembler
	exec      executor.Executor
	sink      events.Sink
	board     board.Notifier
	logger    Logger
	poll      time.Duration

	mu     sync.Mutex
	active map[int64]context.CancelFunc // runs executing in this process
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink routes execution events to the given sink.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithBoard attaches a task board notifier.
func WithBoard(n board.Notifier) Option {
	return func(o *Orchestrator) {
		o.board = n
	}
}

// WithAssembler replaces the default context assembler.
func WithAssembler(a *assembler.Assembler) Option {
	return func(o *Orchestrator) {
		o.asm = a
	}
}

// WithPollInterval sets how often a parked run re-reads the store while it
// waits for approvals or a resume.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.poll = d
	}
}

func NewOrchestrator(store storage.Store, artifacts artifact.Store, exec executor.Executor, logger Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		artifacts: artifacts,
		asm:       assembler.New(artifacts),
		exec:      exec,
		sink:      events.NopSink{},
		board:     board.NopNotifier{},
		logger:    logger,
		poll:      defaultPollInterval,
		active:    make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun validates the configuration, persists the run row and pre-marks
// skipped units. Configuration errors surface before any row is written.
// The run is not executed here; call ExecuteRun with the returned ID.
func (o *Orchestrator) StartRun(cfg config.RunConfig) (id int64, err error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return 0, errors.Wrap(err, "invalid run config")
	}
	g, err := cfg.BuildGraph()
	if err != nil {
		return 0, err
	}
	encoded, err := cfg.Encode()
	if err != nil {
		return 0, err
	}

	txStore, err := o.store.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %v", err)
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

	run := models.WorkflowRun{
		Name:             cfg.Name,
		Status:           models.RunningRunStatus,
		GraphConfig:      encoded,
		TokenBudget:      cfg.TokenBudget,
		RunTokenCap:      cfg.RunTokenCap,
		MaxParallel:      cfg.MaxParallel,
		CheckpointPolicy: cfg.CheckpointPolicy,
		ApprovalDefault:  cfg.ApprovalDefault,
	}
	id, err = txStore.SaveRun(run)
	if err != nil {
		return 0, errors.Wrap(err, "save run")
	}

	// Pre-marked units get their terminal row at plan time so dependents see
	// them as satisfied from the first wave on.
	now := time.Now()
	for _, u := range g.Units() {
		if !u.Skip {
			continue
		}
		e := models.UnitExecution{
			RunID:      id,
			UnitID:     u.ID,
			ExecutedAs: u.ID,
			Attempt:    1,
			Wave:       0,
			Status:     models.SkippedExecutionStatus,
			FinishedAt: &now,
		}
		if _, err = txStore.SaveExecution(e); err != nil {
			return 0, errors.Wrapf(err, "pre-mark unit '%s'", u.ID)
		}
		o.emit(events.Event{Type: events.UnitSkipped, RunID: id, UnitID: u.ID, Time: now})
	}

	o.emit(events.Event{Type: events.RunStarted, RunID: id, Time: now})
	o.logger.Infof("Started run '%s' with ID %d", cfg.Name, id)
	return id, nil
}

// PauseRun stops new dispatch for a running run. Units already in flight
// finish naturally; the scheduler parks at the next wave boundary.
func (o *Orchestrator) PauseRun(id int64) error {
	run, err := o.store.GetRun(id)
	if err != nil {
		return errors.Wrapf(err, "run %d", id)
	}
	if run.Status != models.RunningRunStatus {
		return errors.Errorf("run %d is %s, only running runs can be paused", id, run.Status)
	}
	if err := o.store.UpdateRunStatus(id, models.PausedRunStatus, ""); err != nil {
		return errors.Wrapf(err, "pause run %d", id)
	}
	o.emit(events.Event{Type: events.RunPaused, RunID: id, Time: time.Now()})
	o.logger.Infof("Paused run %d", id)
	return nil
}

// ResumeRun makes an interrupted or paused run schedulable again: mid-flight
// attempts left behind by a dead process are requeued and a paused status
// flips back to running. A loop parked in this process picks the change up on
// its next poll; otherwise call ExecuteRun to drive the run again.
func (o *Orchestrator) ResumeRun(id int64) error {
	run, err := o.store.GetRun(id)
	if err != nil {
		return errors.Wrapf(err, "run %d", id)
	}
	if run.Status.Terminal() {
		return errors.Errorf("run %d is already %s", id, run.Status)
	}
	if err := o.reconcileInterrupted(id); err != nil {
		return err
	}
	if run.Status == models.PausedRunStatus {
		if err := o.store.UpdateRunStatus(id, models.RunningRunStatus, ""); err != nil {
			return errors.Wrapf(err, "resume run %d", id)
		}
	}
	o.emit(events.Event{Type: events.RunResumed, RunID: id, Time: time.Now()})
	o.logger.Infof("Resumed run %d", id)
	return nil
}

// CancelRun marks the run failed with the cancellation reason and cancels
// in-flight unit contexts when the run executes in this process. Loops in
// other processes observe the status at their next wave boundary.
func (o *Orchestrator) CancelRun(id int64, reason string) error {
	run, err := o.store.GetRun(id)
	if err != nil {
		return errors.Wrapf(err, "run %d", id)
	}
	if run.Status.Terminal() {
		return errors.Errorf("run %d is already %s", id, run.Status)
	}
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	if err := o.store.UpdateRunStatus(id, models.FailedRunStatus, msg); err != nil {
		return errors.Wrapf(err, "cancel run %d", id)
	}
	o.emit(events.Event{Type: events.RunCancelled, RunID: id, ErrorKind: models.CancelledErrorKind, ErrorMsg: msg, Time: time.Now()})
	o.logger.Infof("Cancelled run %d: %s", id, msg)

	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// RecoverRuns requeues the mid-flight work of every run left running by a
// previous process and returns their IDs. The caller decides how to drive
// them, typically one ExecuteRun goroutine per ID.
func (o *Orchestrator) RecoverRuns() ([]int64, error) {
	runs, err := o.store.ListIncompleteRuns()
	if err != nil {
		return nil, errors.Wrap(err, "list incomplete runs")
	}
	ids := make([]int64, 0, len(runs))
	for _, run := range runs {
		if err := o.ResumeRun(run.ID); err != nil {
			return ids, err
		}
		ids = append(ids, run.ID)
	}
	if len(ids) > 0 {
		o.logger.Infof("Recovered %d incomplete run(s): %v", len(ids), ids)
	}
	return ids, nil
}

// reconcileInterrupted fails every attempt still marked active in the store.
// A pending or running row can only survive this long if the process driving
// it died, so each one is requeued for a fresh dispatch.
func (o *Orchestrator) reconcileInterrupted(runID int64) error {
	execs, err := o.store.ListExecutions(runID)
	if err != nil {
		return errors.Wrapf(err, "list executions of run %d", runID)
	}
	now := time.Now()
	for _, e := range execs {
		if !e.Status.Active() {
			continue
		}
		if err := o.store.UpdateExecution(recovery.MarkInterrupted(e, now)); err != nil {
			return errors.Wrapf(err, "mark execution %d interrupted", e.ID)
		}
		o.logger.Infof("Requeued interrupted attempt %d of unit '%s' in run %d", e.Attempt, e.UnitID, runID)
	}
	return nil
}

// GetRun fetches a run with its executions.
func (o *Orchestrator) GetRun(id int64) (models.WorkflowRun, error) {
	run, err := o.store.GetRun(id)
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "run %d", id)
	}
	return run, nil
}

func (o *Orchestrator) ListRuns() ([]models.WorkflowRun, error) {
	return o.store.ListRuns()
}

func (o *Orchestrator) ListExecutions(runID int64) ([]models.UnitExecution, error) {
	return o.store.ListExecutions(runID)
}

func (o *Orchestrator) ListCheckpoints(runID int64) ([]models.Checkpoint, error) {
	return o.store.ListCheckpoints(runID)
}

// WriteCheckpoint snapshots run progress on operator demand, independent of
// the checkpoint policy.
func (o *Orchestrator) WriteCheckpoint(runID int64) (models.Checkpoint, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "run %d", runID)
	}
	cfg, err := config.Decode(run.GraphConfig)
	if err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "decode config of run %d", runID)
	}
	g, err := cfg.BuildGraph()
	if err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "rebuild graph of run %d", runID)
	}
	execs, err := o.store.ListExecutions(runID)
	if err != nil {
		return models.Checkpoint{}, err
	}
	seq := 1
	if last, err := o.store.LatestCheckpoint(runID); err == nil {
		seq = last.Seq + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Checkpoint{}, err
	}
	c := models.Checkpoint{
		RunID: runID,
		Seq:   seq,
		Kind:  models.ManualCheckpoint,
		State: checkpointState(g, execs),
	}
	id, err := o.store.SaveCheckpoint(c)
	if err != nil {
		return models.Checkpoint{}, errors.Wrapf(err, "checkpoint run %d", runID)
	}
	c.ID = id
	o.emit(events.Event{Type: events.CheckpointSaved, RunID: runID, Wave: seq, Time: time.Now()})
	o.logger.Infof("Wrote manual checkpoint %d for run %d", seq, runID)
	return c, nil
}

func (o *Orchestrator) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.sink.Emit(e)
}

func (o *Orchestrator) notifyBoard(ctx context.Context, unitID string, from, to board.Status) {
	if err := o.board.Notify(ctx, unitID, from, to); err != nil {
		o.logger.Errorf("Board notification for unit '%s' failed: %v", unitID, err)
	}
}

// claim registers the run as executing in this process, so a run is never
// driven by two loops at once and CancelRun can reach its context.
func (o *Orchestrator) claim(id int64, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[id]; busy {
		return errors.Errorf("run %d is already executing", id)
	}
	o.active[id] = cancel
	return nil
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}
