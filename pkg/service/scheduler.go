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
	"github.com/ignatij/agentflow/pkg/graph"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/recovery"
	"github.com/ignatij/agentflow/pkg/schema"
	"github.com/ignatij/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// default attempt timeout is 1m
	DefaultUnitTimeout = 60 * time.Second
	// DefaultMaxParallel bounds concurrent units when the run sets no limit.
	DefaultMaxParallel = 4

	defaultPollInterval = 500 * time.Millisecond
)

// runState is the mutable scheduling state of one executing run. It lives for
// the duration of an ExecuteRun call; nothing here is shared across runs, so
// one process can drive many runs at once.
type runState struct {
	runID            int64
	graph            *graph.RunGraph
	globals          []models.GlobalContext
	tokenBudget      int
	tokenCap         int
	maxParallel      int
	approvalDefault  models.ApprovalKind
	checkpointPolicy models.CheckpointPolicy
	sem              *semaphore.Weighted

	mu            sync.Mutex
	spent         int            // input+output tokens consumed so far
	attempts      map[string]int // highest attempt number per unit
	wave          int
	checkpointSeq int
}

func newRunState(run models.WorkflowRun, cfg *config.RunConfig, g *graph.RunGraph, execs []models.UnitExecution, lastSeq int) *runState {
	maxParallel := run.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	rs := &runState{
		runID:            run.ID,
		graph:            g,
		globals:          cfg.Globals,
		tokenBudget:      run.TokenBudget,
		tokenCap:         run.RunTokenCap,
		maxParallel:      maxParallel,
		approvalDefault:  run.ApprovalDefault,
		checkpointPolicy: run.CheckpointPolicy,
		sem:              semaphore.NewWeighted(int64(maxParallel)),
		attempts:         make(map[string]int),
		checkpointSeq:    lastSeq,
	}
	// Resume continues attempt numbers, wave ordinals and the spend meter
	// where the previous process left them.
	for _, e := range execs {
		if e.Attempt > rs.attempts[e.UnitID] {
			rs.attempts[e.UnitID] = e.Attempt
		}
		if e.Wave > rs.wave {
			rs.wave = e.Wave
		}
		rs.spent += e.InputTokens + e.OutputTokens
	}
	return rs
}

func (rs *runState) nextAttempt(unitID string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.attempts[unitID]++
	return rs.attempts[unitID]
}

func (rs *runState) nextSeq() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.checkpointSeq++
	return rs.checkpointSeq
}

func (rs *runState) addSpend(tokens int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.spent += tokens
}

func (rs *runState) spentTokens() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.spent
}

// attemptBudget returns the context budget for the next attempt: the run's
// per-unit budget clamped to what remains under the run-wide cap. The second
// return is false once the cap is spent.
func (rs *runState) attemptBudget() (int, bool) {
	budget := rs.tokenBudget
	if budget <= 0 {
		budget = assembler.DefaultTokenBudget
	}
	if rs.tokenCap <= 0 {
		return budget, true
	}
	rs.mu.Lock()
	remaining := rs.tokenCap - rs.spent
	rs.mu.Unlock()
	if remaining <= 0 {
		return 0, false
	}
	if remaining < budget {
		budget = remaining
	}
	return budget, true
}

func (rs *runState) capExhausted() bool {
	if rs.tokenCap <= 0 {
		return false
	}
	return rs.spentTokens() >= rs.tokenCap
}

// ExecuteRun drives a run until it settles: completed, failed, or the context
// ends. Paused runs and runs waiting on approvals park here and poll the
// store, so the call blocks until the run truly settles. A run can be driven
// by at most one ExecuteRun at a time per process.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID int64) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.claim(runID, cancel); err != nil {
		return err
	}
	defer o.release(runID)

	run, err := o.store.GetRun(runID)
	if err != nil {
		return errors.Wrapf(err, "run %d", runID)
	}
	if run.Status.Terminal() {
		return errors.Errorf("run %d is already %s", runID, run.Status)
	}
	cfg, err := config.Decode(run.GraphConfig)
	if err != nil {
		return errors.Wrapf(err, "decode config of run %d", runID)
	}
	g, err := cfg.BuildGraph()
	if err != nil {
		return errors.Wrapf(err, "rebuild graph of run %d", runID)
	}
	// Idempotent outside of a crash: only rows left active by a dead process
	// are touched.
	if err := o.reconcileInterrupted(runID); err != nil {
		return err
	}

	execs, err := o.store.ListExecutions(runID)
	if err != nil {
		return err
	}
	lastSeq := 0
	if last, err := o.store.LatestCheckpoint(runID); err == nil {
		lastSeq = last.Seq
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	rs := newRunState(run, cfg, g, execs, lastSeq)
	o.logger.Infof("Executing run %d ('%s'): %d unit(s), max parallel %d", runID, run.Name, len(g.Schedulable()), rs.maxParallel)
	return o.runLoop(runCtx, rs)
}

func (o *Orchestrator) runLoop(ctx context.Context, rs *runState) error {
	parked := false
	for {
		if err := ctx.Err(); err != nil {
			if run, gerr := o.store.GetRun(rs.runID); gerr == nil && run.Status.Terminal() {
				return nil // cancelled through the store; the loop's work is done
			}
			// Process shutdown. The run stays running in the store so the
			// next process requeues whatever was mid-flight.
			return err
		}
		run, err := o.store.GetRun(rs.runID)
		if err != nil {
			return errors.Wrapf(err, "run %d", rs.runID)
		}
		if run.Status.Terminal() {
			o.logger.Infof("Run %d settled as %s", rs.runID, run.Status)
			return nil
		}
		if run.Status == models.PausedRunStatus {
			if !parked {
				o.logger.Infof("Run %d is paused, parking", rs.runID)
				parked = true
			}
			if err := recovery.Sleep(ctx, o.poll); err != nil {
				return err
			}
			continue
		}
		parked = false

		execs, err := o.store.ListExecutions(rs.runID)
		if err != nil {
			return err
		}
		states := unitStates(rs.graph, execs)
		if unitID := firstFailed(rs.graph, states); unitID != "" {
			reason := failureReason(unitID, latestByUnit(execs)[unitID])
			return o.settleRun(rs.runID, models.FailedRunStatus, reason)
		}

		ready := rs.graph.ReadySet(states)
		if len(ready) == 0 {
			if allDone(rs.graph, states) {
				return o.settleRun(rs.runID, models.CompletedRunStatus, "")
			}
			// Units are awaiting approval (or requeued behind one); park and
			// poll until a resolution changes the picture.
			if err := recovery.Sleep(ctx, o.poll); err != nil {
				return err
			}
			continue
		}
		if rs.capExhausted() {
			reason := fmt.Sprintf("run token cap of %d tokens exhausted (%d spent)", rs.tokenCap, rs.spentTokens())
			return o.settleRun(rs.runID, models.FailedRunStatus, reason)
		}

		rs.wave++
		wave := rs.wave
		o.emit(events.Event{Type: events.WaveStarted, RunID: rs.runID, Wave: wave})
		o.logger.Infof("Run %d wave %d: dispatching %d unit(s)", rs.runID, wave, len(ready))

		eg, waveCtx := errgroup.WithContext(ctx)
		for _, u := range ready {
			u := u
			eg.Go(func() error {
				if err := rs.sem.Acquire(waveCtx, 1); err != nil {
					return err
				}
				defer rs.sem.Release(1)
				return o.dispatch(waveCtx, rs, u, wave)
			})
		}
		if err := eg.Wait(); err != nil {
			if run, gerr := o.store.GetRun(rs.runID); gerr == nil && run.Status.Terminal() {
				return nil // settled elsewhere, typically by CancelRun
			}
			if ctx.Err() != nil {
				return err
			}
			reason := fmt.Sprintf("wave %d aborted: %v", wave, err)
			if serr := o.settleRun(rs.runID, models.FailedRunStatus, reason); serr != nil {
				o.logger.Errorf("Failed to record abort of run %d: %v", rs.runID, serr)
			}
			return err
		}
		o.emit(events.Event{Type: events.WaveCompleted, RunID: rs.runID, Wave: wave})

		if rs.checkpointPolicy == models.CheckpointEveryWave {
			if err := o.checkpoint(rs, models.WaveCompleteCheckpoint); err != nil {
				o.logger.Errorf("Checkpoint after wave %d of run %d failed: %v", wave, rs.runID, err)
			}
		}
	}
}

func (o *Orchestrator) settleRun(runID int64, status models.RunStatus, reason string) error {
	if err := o.store.UpdateRunStatus(runID, status, reason); err != nil {
		return errors.Wrapf(err, "settle run %d as %s", runID, status)
	}
	switch status {
	case models.CompletedRunStatus:
		o.emit(events.Event{Type: events.RunCompleted, RunID: runID})
		o.logger.Infof("Run %d completed", runID)
	default:
		o.emit(events.Event{Type: events.RunFailed, RunID: runID, ErrorMsg: reason})
		o.logger.Errorf("Run %d failed: %s", runID, reason)
	}
	return nil
}

// dispatch owns one unit's slot in a wave and drives it to a settled state:
// terminal success, awaiting approval, or failed with recovery exhausted.
// Retries and escalation happen inside the slot, so a wave joins only once
// every member has settled. The returned error is reserved for infrastructure
// failures; unit outcomes live in the execution rows.
func (o *Orchestrator) dispatch(ctx context.Context, rs *runState, u *models.WorkUnit, wave int) error {
	executedAs := u
	defAttempts := 0 // attempts consumed by the current definition
	schemaFailures := 0
	prevBoard := board.StatusTodo
	var corrections []string

	for {
		defAttempts++
		attempt := rs.nextAttempt(u.ID)

		execs, err := o.store.ListExecutions(rs.runID)
		if err != nil {
			return errors.Wrapf(err, "list executions of run %d", rs.runID)
		}
		if attempt > 1 && len(corrections) == 0 {
			corrections = seedCorrections(u.ID, execs)
		}
		// A rejected unit re-enters from todo (the rejection moved it there);
		// every other prior failure left it in blocked.
		if last, ok := latestByUnit(execs)[u.ID]; ok && last.Status == models.FailedExecutionStatus && last.ErrorKind != models.ApprovalRejectedErrorKind {
			prevBoard = board.StatusBlocked
		}

		e := models.UnitExecution{
			RunID:      rs.runID,
			UnitID:     u.ID,
			ExecutedAs: executedAs.ID,
			Attempt:    attempt,
			Wave:       wave,
			Status:     models.PendingExecutionStatus,
		}
		id, err := o.store.SaveExecution(e)
		if err != nil {
			return errors.Wrapf(err, "record attempt %d of unit '%s'", attempt, u.ID)
		}
		e.ID = id
		o.emit(events.Event{Type: events.UnitStarted, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID, Attempt: attempt, Wave: wave})

		budget, withinCap := rs.attemptBudget()
		if !withinCap {
			now := time.Now()
			e.Status = models.FailedExecutionStatus
			e.ErrorKind = models.BudgetErrorKind
			e.ErrorMsg = fmt.Sprintf("run token cap of %d tokens exhausted", rs.tokenCap)
			e.FinishedAt = &now
			if err := o.store.UpdateExecution(e); err != nil {
				return errors.Wrapf(err, "settle attempt %d of unit '%s'", attempt, u.ID)
			}
			o.emit(events.Event{Type: events.UnitFailed, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID, Attempt: attempt, Wave: wave, ErrorKind: e.ErrorKind, ErrorMsg: e.ErrorMsg})
			return nil
		}

		eff := effectiveUnit(u, executedAs)
		start := time.Now()
		res, attemptErr, err := o.attempt(ctx, rs, eff, &e, execs, corrections, budget, prevBoard)
		if err != nil {
			return err
		}
		duration := time.Since(start)
		if e.StartedAt != nil {
			prevBoard = board.StatusInProgress
		}

		if attemptErr == nil {
			return o.settleSuccess(ctx, rs, u, executedAs, &e, res, duration)
		}

		kind := recovery.KindOf(attemptErr)
		if kind == models.SchemaErrorKind {
			schemaFailures++
		}
		decision := recovery.Classify(kind, executedAs, defAttempts, schemaFailures)

		now := time.Now()
		e.Status = models.FailedExecutionStatus
		e.ErrorKind = kind
		e.ErrorMsg = attemptErr.Error()
		// A cancelled attempt lost its process, not its budget, so it stays
		// eligible for a fresh dispatch should the run survive.
		e.Requeue = kind.Requeueable() || kind == models.CancelledErrorKind
		e.FinishedAt = &now
		if uerr := o.store.UpdateExecution(e); uerr != nil {
			return errors.Wrapf(uerr, "settle attempt %d of unit '%s'", attempt, u.ID)
		}
		rs.addSpend(e.InputTokens + e.OutputTokens)
		o.emit(events.Event{
			Type: events.UnitFailed, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID,
			Attempt: attempt, Wave: wave, ErrorKind: kind, ErrorMsg: e.ErrorMsg,
			InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, Duration: duration,
		})
		if e.StartedAt != nil {
			o.notifyBoard(ctx, u.ID, board.StatusInProgress, board.StatusBlocked)
			prevBoard = board.StatusBlocked
		}
		corrections = append(corrections, correctionNote(attempt, kind, attemptErr))

		switch decision.Action {
		case recovery.ActionRetry:
			o.logger.Infof("Retrying unit '%s' (attempt %d failed with %s): backing off %s", u.ID, attempt, kind, decision.Delay)
			o.emit(events.Event{Type: events.UnitRetrying, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID, Attempt: attempt, Wave: wave, ErrorKind: kind, ErrorMsg: decision.Reason, Duration: decision.Delay})
			if err := recovery.Sleep(ctx, decision.Delay); err != nil {
				// The slot lost its process mid-backoff with retry budget
				// left; keep the unit eligible for a fresh dispatch.
				e.Requeue = true
				if uerr := o.store.UpdateExecution(e); uerr != nil {
					o.logger.Errorf("Failed to requeue unit '%s' after interrupted backoff: %v", u.ID, uerr)
				}
				return nil
			}
			continue

		case recovery.ActionEscalate:
			senior, ok := rs.graph.Unit(executedAs.EscalateTo)
			if !ok {
				return errors.Errorf("escalation target '%s' missing from graph", executedAs.EscalateTo)
			}
			o.logger.Infof("Escalating unit '%s' to '%s' after %d attempt(s): %s", u.ID, senior.ID, attempt, decision.Reason)
			o.emit(events.Event{Type: events.UnitEscalated, RunID: rs.runID, UnitID: u.ID, ExecutedAs: senior.ID, Attempt: attempt, Wave: wave, ErrorKind: kind, ErrorMsg: decision.Reason})
			corrections = append(corrections, fmt.Sprintf("the task was escalated to '%s' after %d failed attempt(s)", senior.ID, attempt))
			executedAs = senior
			defAttempts = 0
			schemaFailures = 0
			continue

		default:
			// Fatal (or requeue-eligible): the slot settles here and the run
			// loop draws the conclusion from the row.
			o.logger.Errorf("Unit '%s' settled as failed on attempt %d (%s): %s", u.ID, attempt, kind, decision.Reason)
			return nil
		}
	}
}

// attempt runs one execution attempt end to end: assemble the context, mark
// the row running, invoke the executor and validate the output shape. The
// first returned error is the attempt's outcome for classification; the
// second is an infrastructure failure.
func (o *Orchestrator) attempt(ctx context.Context, rs *runState, eff *models.WorkUnit, e *models.UnitExecution, execs []models.UnitExecution, corrections []string, budget int, prevBoard board.Status) (*executor.Result, error, error) {
	pkg, aerr := o.asm.Assemble(ctx, assembler.Request{
		Unit:        eff,
		Graph:       rs.graph,
		Executions:  execs,
		Globals:     rs.globals,
		Budget:      budget,
		Corrections: corrections,
	})
	if aerr != nil {
		return nil, aerr, nil
	}
	if n := len(pkg.Omissions); n > 0 {
		o.emit(events.Event{
			Type: events.ContextDegraded, RunID: rs.runID, UnitID: e.UnitID, ExecutedAs: e.ExecutedAs,
			Attempt: e.Attempt, Wave: e.Wave, Omissions: n,
			ErrorMsg: fmt.Sprintf("%d context source(s) omitted for unit '%s'", n, e.UnitID),
		})
	}
	e.InputTokens = pkg.InputTokens()
	if pkg.Degraded && eff.BudgetStrict {
		return nil, errors.Wrapf(assembler.ErrBudget, "unit '%s' requires its full direct context", e.UnitID), nil
	}

	now := time.Now()
	e.Status = models.RunningExecutionStatus
	e.StartedAt = &now
	if err := o.store.UpdateExecution(*e); err != nil {
		return nil, nil, errors.Wrapf(err, "start attempt %d of unit '%s'", e.Attempt, e.UnitID)
	}
	o.notifyBoard(ctx, e.UnitID, prevBoard, board.StatusInProgress)

	timeout := eff.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, execErr := o.exec.Execute(attemptCtx, eff, pkg.RenderPrompt())
	if res != nil {
		if res.InputTokens > 0 {
			e.InputTokens = res.InputTokens
		}
		e.OutputTokens = res.OutputTokens
		if e.OutputTokens == 0 && res.Output != "" {
			// executors that report no usage still count against the cap
			e.OutputTokens = artifact.EstimateTokens(res.Output)
		}
	}
	if execErr != nil {
		return res, execErr, nil
	}
	if res == nil || res.Output == "" {
		return nil, executor.NewError(models.ExecutorErrorKind, errors.New("executor returned an empty result")), nil
	}
	if verr := schema.Validate(res.Output, eff.Schema); verr != nil {
		return res, verr, nil
	}
	return res, nil, nil
}

// settleSuccess publishes the output and moves the row to completed, or parks
// it behind an approval gate. Output is always published under the original
// unit's producer id so dependents are unaffected by escalation.
func (o *Orchestrator) settleSuccess(ctx context.Context, rs *runState, u, executedAs *models.WorkUnit, e *models.UnitExecution, res *executor.Result, duration time.Duration) error {
	ref, err := o.artifacts.Put(ctx, u.ID, u.OutputArtifact(), res.Output)
	if err != nil {
		return errors.Wrapf(err, "store output of unit '%s'", u.ID)
	}
	e.OutputProducer = ref.Producer
	e.OutputArtifact = ref.Name
	e.OutputVersion = ref.Version
	now := time.Now()
	e.FinishedAt = &now
	rs.addSpend(e.InputTokens + e.OutputTokens)

	if gate := requiredApproval(u, rs.approvalDefault); gate != models.NoApproval {
		e.Status = models.AwaitingApprovalExecutionStatus
		if err := o.store.UpdateExecution(*e); err != nil {
			return errors.Wrapf(err, "park attempt %d of unit '%s'", e.Attempt, u.ID)
		}
		if err := o.createApproval(rs.runID, e, gate); err != nil {
			return err
		}
		o.emit(events.Event{
			Type: events.UnitAwaitingApproval, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID,
			Attempt: e.Attempt, Wave: e.Wave, InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, Duration: duration,
		})
		o.notifyBoard(ctx, u.ID, board.StatusInProgress, board.StatusInQA)
		o.logger.Infof("Unit '%s' awaits %s approval (attempt %d)", u.ID, gate, e.Attempt)
		return nil
	}

	e.Status = models.CompletedExecutionStatus
	if err := o.store.UpdateExecution(*e); err != nil {
		return errors.Wrapf(err, "complete attempt %d of unit '%s'", e.Attempt, u.ID)
	}
	o.emit(events.Event{
		Type: events.UnitCompleted, RunID: rs.runID, UnitID: u.ID, ExecutedAs: executedAs.ID,
		Attempt: e.Attempt, Wave: e.Wave, InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, Duration: duration,
	})
	o.notifyBoard(ctx, u.ID, board.StatusInProgress, board.StatusDone)
	o.logger.Infof("Unit '%s' completed on attempt %d (%s)", u.ID, e.Attempt, ref)

	if rs.checkpointPolicy == models.CheckpointEveryUnit {
		if err := o.checkpoint(rs, models.UnitCompleteCheckpoint); err != nil {
			o.logger.Errorf("Checkpoint after unit '%s' of run %d failed: %v", u.ID, rs.runID, err)
		}
	}
	return nil
}

// checkpoint snapshots current progress under the next sequence number.
func (o *Orchestrator) checkpoint(rs *runState, kind models.CheckpointKind) error {
	execs, err := o.store.ListExecutions(rs.runID)
	if err != nil {
		return err
	}
	seq := rs.nextSeq()
	c := models.Checkpoint{
		RunID: rs.runID,
		Seq:   seq,
		Kind:  kind,
		State: checkpointState(rs.graph, execs),
	}
	if _, err := o.store.SaveCheckpoint(c); err != nil {
		return errors.Wrapf(err, "checkpoint %d of run %d", seq, rs.runID)
	}
	o.emit(events.Event{Type: events.CheckpointSaved, RunID: rs.runID, Wave: seq})
	return nil
}

// effectiveUnit is the definition an attempt runs with. Escalated attempts
// take the senior unit's settings but keep the original's wiring: its
// dependencies, context sources, output destination and approval gate, so
// dependents never notice who actually did the work.
func effectiveUnit(original, executedAs *models.WorkUnit) *models.WorkUnit {
	if executedAs.ID == original.ID {
		return original
	}
	eff := *executedAs
	eff.ID = original.ID
	eff.DependsOn = original.DependsOn
	eff.ContextFrom = original.ContextFrom
	eff.OutputName = original.OutputName
	eff.Approval = original.Approval
	if eff.Task == "" {
		eff.Task = original.Task
	}
	if eff.Schema == nil {
		eff.Schema = original.Schema
	}
	return &eff
}

// unitStates derives the scheduling overlay from each unit's latest attempt.
func unitStates(g *graph.RunGraph, execs []models.UnitExecution) map[string]graph.UnitState {
	latest := latestByUnit(execs)
	states := make(map[string]graph.UnitState, g.Len())
	for _, u := range g.Schedulable() {
		e, ok := latest[u.ID]
		if !ok {
			states[u.ID] = graph.StateNone
			continue
		}
		switch {
		case e.Status.TerminalSuccess():
			states[u.ID] = graph.StateDone
		case e.Status == models.AwaitingApprovalExecutionStatus:
			states[u.ID] = graph.StateBlocked
		case e.Status.Active():
			states[u.ID] = graph.StateInFlight
		case e.Requeue:
			states[u.ID] = graph.StateRequeue
		default:
			states[u.ID] = graph.StateFailed
		}
	}
	return states
}

func latestByUnit(execs []models.UnitExecution) map[string]models.UnitExecution {
	latest := make(map[string]models.UnitExecution)
	for _, e := range execs {
		if cur, ok := latest[e.UnitID]; !ok || e.Attempt > cur.Attempt {
			latest[e.UnitID] = e
		}
	}
	return latest
}

func firstFailed(g *graph.RunGraph, states map[string]graph.UnitState) string {
	for _, u := range g.Schedulable() {
		if states[u.ID] == graph.StateFailed {
			return u.ID
		}
	}
	return ""
}

func allDone(g *graph.RunGraph, states map[string]graph.UnitState) bool {
	for _, u := range g.Schedulable() {
		if states[u.ID] != graph.StateDone {
			return false
		}
	}
	return true
}

// failureReason is the run-level causal chain for a settled unit failure.
func failureReason(unitID string, e models.UnitExecution) string {
	reason := fmt.Sprintf("unit '%s' failed on attempt %d (%s): %s", unitID, e.Attempt, e.ErrorKind, e.ErrorMsg)
	if e.ExecutedAs != "" && e.ExecutedAs != unitID {
		reason += fmt.Sprintf(" (escalated to '%s')", e.ExecutedAs)
	}
	return reason
}

func checkpointState(g *graph.RunGraph, execs []models.UnitExecution) models.CheckpointState {
	latest := latestByUnit(execs)
	var state models.CheckpointState
	for _, u := range g.Schedulable() {
		e, ok := latest[u.ID]
		if !ok {
			state.Pending = append(state.Pending, u.ID)
			continue
		}
		switch {
		case e.Status == models.CompletedExecutionStatus:
			state.Completed = append(state.Completed, u.ID)
		case e.Status == models.SkippedExecutionStatus:
			state.Skipped = append(state.Skipped, u.ID)
		case e.Status == models.AwaitingApprovalExecutionStatus:
			state.Awaiting = append(state.Awaiting, u.ID)
		case e.Status == models.FailedExecutionStatus && !e.Requeue:
			state.Failed = append(state.Failed, u.ID)
		default:
			state.Pending = append(state.Pending, u.ID)
		}
	}
	return state
}

// seedCorrections carries the latest settled failure of a requeued unit into
// its fresh dispatch, so a rejection reason or interruption is visible to the
// next attempt.
func seedCorrections(unitID string, execs []models.UnitExecution) []string {
	e, ok := latestByUnit(execs)[unitID]
	if !ok || e.Status != models.FailedExecutionStatus {
		return nil
	}
	return []string{correctionNote(e.Attempt, e.ErrorKind, errors.New(e.ErrorMsg))}
}

func correctionNote(attempt int, kind models.ErrorKind, err error) string {
	switch kind {
	case models.ApprovalRejectedErrorKind:
		return fmt.Sprintf("the reviewer rejected attempt %d: %s", attempt, err)
	case models.InterruptedErrorKind:
		return fmt.Sprintf("attempt %d was interrupted before it finished", attempt)
	case models.SchemaErrorKind:
		return fmt.Sprintf("attempt %d produced output that violates the expected shape: %s", attempt, err)
	default:
		return fmt.Sprintf("attempt %d failed (%s): %s", attempt, kind, err)
	}
}
