package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/config"
	"github.com/ignatij/agentflow/pkg/events"
	"github.com/ignatij/agentflow/pkg/executor"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestExecuteRun_Pipeline(t *testing.T) {
	rec := newPromptRecorder()
	brd := &recordingBoard{}
	f := newFixture(t, echoExecutor(rec), service.WithBoard(brd))

	id, err := f.svc.StartRun(config.RunConfig{
		Name:    "fan-out",
		Globals: []models.GlobalContext{{Name: "style", Content: "terse prose"}},
		Units: []models.WorkUnit{
			{ID: "plan", Task: "plan the article"},
			{ID: "draft", Task: "draft it", DependsOn: []string{"plan"}},
			{ID: "review", Task: "review it", DependsOn: []string{"plan"}},
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

	run, err := f.svc.GetRun(id)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)
	assert.NotNil(t, run.FinishedAt)

	execs, err := f.svc.ListExecutions(id)
	assert.NoError(t, err)
	assert.Len(t, execs, 3)
	for _, e := range execs {
		assert.Equal(t, models.CompletedExecutionStatus, e.Status)
		assert.Equal(t, 1, e.Attempt)
		assert.Equal(t, e.UnitID, e.ExecutedAs)
		assert.Equal(t, e.UnitID, e.OutputProducer)
		assert.Equal(t, 1, e.OutputVersion)
		assert.NotNil(t, e.StartedAt)
		assert.NotNil(t, e.FinishedAt)
		assert.Greater(t, e.InputTokens, 0)
	}

	// the ready set is the wave: plan alone, then both dependents
	assert.Equal(t, 1, rowsFor(execs, "plan")[0].Wave)
	assert.Equal(t, 2, rowsFor(execs, "draft")[0].Wave)
	assert.Equal(t, 2, rowsFor(execs, "review")[0].Wave)

	content, err := f.artifacts.Get(context.Background(), artifact.Ref{Producer: "plan", Name: "output", Version: 1})
	assert.NoError(t, err)
	assert.Equal(t, "plan output", content)

	// dependents consume the upstream output and the pinned globals
	draftPrompt := rec.forUnit("draft")[0]
	assert.Contains(t, draftPrompt, "### plan/output (full)")
	assert.Contains(t, draftPrompt, "plan output")
	assert.Contains(t, draftPrompt, "### run/style (full)")
	assert.Contains(t, draftPrompt, "terse prose")
	assert.Contains(t, draftPrompt, "## Task\n\ndraft it")

	cps, err := f.svc.ListCheckpoints(id)
	assert.NoError(t, err)
	assert.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].Seq)
	assert.Equal(t, models.WaveCompleteCheckpoint, cps[0].Kind)
	assert.Equal(t, []string{"plan"}, cps[0].State.Completed)
	assert.ElementsMatch(t, []string{"draft", "review"}, cps[0].State.Pending)
	assert.Equal(t, 2, cps[1].Seq)
	assert.ElementsMatch(t, []string{"draft", "plan", "review"}, cps[1].State.Completed)
	assert.Empty(t, cps[1].State.Pending)

	assert.Equal(t, 1, f.sink.count(events.RunStarted))
	assert.Equal(t, 1, f.sink.count(events.RunCompleted))
	assert.Equal(t, 2, f.sink.count(events.WaveStarted))
	assert.Equal(t, 2, f.sink.count(events.WaveCompleted))
	assert.Equal(t, 3, f.sink.count(events.UnitStarted))
	assert.Equal(t, 3, f.sink.count(events.UnitCompleted))
	assert.Equal(t, 0, f.sink.count(events.UnitFailed))
	assert.Equal(t, 2, f.sink.count(events.CheckpointSaved))
	assert.Empty(t, brd.illegal)
}

func TestExecuteRun_SkippedDependency(t *testing.T) {
	ctx := context.Background()
	rec := newPromptRecorder()
	f := newFixture(t, echoExecutor(rec))

	// a previous run left research output in the artifact store
	_, err := f.artifacts.Put(ctx, "research", models.DefaultOutputName, "prior findings")
	assert.NoError(t, err)

	id, err := f.svc.StartRun(config.RunConfig{
		Name: "skip-ahead",
		Units: []models.WorkUnit{
			{ID: "research", Task: "research", Skip: true},
			{ID: "write", Task: "write", DependsOn: []string{"research"}},
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, f.svc.ExecuteRun(ctx, id))

	run, err := f.svc.GetRun(id)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)

	execs, err := f.svc.ListExecutions(id)
	assert.NoError(t, err)
	assert.Len(t, rowsFor(execs, "research"), 1, "skipped units are never dispatched")
	write := rowsFor(execs, "write")
	assert.Len(t, write, 1)
	assert.Equal(t, 1, write[0].Wave, "a pre-satisfied dependency unblocks the first wave")

	assert.Contains(t, rec.forUnit("write")[0], "prior findings")
}

func TestExecuteRun_Retries(t *testing.T) {
	t.Run("TransientFailuresRetryWithCorrections", func(t *testing.T) {
		rec := newPromptRecorder()
		brd := &recordingBoard{}
		var calls int32
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			rec.record(unit.ID, prompt)
			if atomic.AddInt32(&calls, 1) <= 2 {
				return nil, executor.NewError(models.ExecutorErrorKind, errors.New("upstream hiccup"))
			}
			return &executor.Result{Output: "fetched"}, nil
		})
		f := newFixture(t, exec, service.WithBoard(brd))

		id, err := f.svc.StartRun(config.RunConfig{
			Name:  "flaky",
			Units: []models.WorkUnit{{ID: "fetch", Task: "fetch the data", Retry: fastRetry(3)}},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		rows := rowsFor(execs, "fetch")
		assert.Len(t, rows, 3)
		for i, row := range rows {
			assert.Equal(t, i+1, row.Attempt, "every attempt gets its own row")
			assert.Equal(t, 1, row.Wave, "retries stay inside the unit's wave slot")
		}
		assert.Equal(t, models.FailedExecutionStatus, rows[0].Status)
		assert.Equal(t, models.ExecutorErrorKind, rows[0].ErrorKind)
		assert.False(t, rows[0].Requeue, "a retried failure consumes budget")
		assert.Equal(t, models.FailedExecutionStatus, rows[1].Status)
		assert.Equal(t, models.CompletedExecutionStatus, rows[2].Status)

		// the third attempt carries both failures as corrections
		prompts := rec.forUnit("fetch")
		assert.Len(t, prompts, 3)
		assert.NotContains(t, prompts[0], "## Corrections")
		assert.Contains(t, prompts[2], "attempt 1 failed (executor)")
		assert.Contains(t, prompts[2], "attempt 2 failed (executor)")
		assert.Contains(t, prompts[2], "upstream hiccup")

		assert.Equal(t, 2, f.sink.count(events.UnitRetrying))
		assert.Equal(t, 2, f.sink.count(events.UnitFailed))
		assert.Equal(t, 3, f.sink.count(events.UnitStarted))

		assert.Empty(t, brd.illegal)
		assert.Equal(t, []string{
			"fetch: todo -> in-progress",
			"fetch: in-progress -> blocked",
			"fetch: blocked -> in-progress",
			"fetch: in-progress -> blocked",
			"fetch: blocked -> in-progress",
			"fetch: in-progress -> done",
		}, brd.forUnit("fetch"))
	})

	t.Run("TimeoutsAreRetryable", func(t *testing.T) {
		var calls int32
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &executor.Result{Output: "made it"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name: "slow",
			Units: []models.WorkUnit{
				{ID: "slow", Task: "slow work", Timeout: models.Duration(30 * time.Millisecond), Retry: fastRetry(2)},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		rows := rowsFor(execs, "slow")
		assert.Len(t, rows, 2)
		assert.Equal(t, models.TimeoutErrorKind, rows[0].ErrorKind)
		assert.Equal(t, models.CompletedExecutionStatus, rows[1].Status)
	})

	t.Run("ExhaustionFailsRun", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return nil, executor.NewError(models.ExecutorErrorKind, errors.New("upstream hiccup"))
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name:  "doomed",
			Units: []models.WorkUnit{{ID: "fetch", Task: "fetch", Retry: fastRetry(2)}},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.Reason, "unit 'fetch' failed on attempt 2 (executor)")

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		assert.Len(t, rowsFor(execs, "fetch"), 2)
		assert.Equal(t, 1, f.sink.count(events.RunFailed))
		assert.Equal(t, 1, f.sink.count(events.UnitRetrying))
		assert.Equal(t, 2, f.sink.count(events.UnitFailed))
	})

	t.Run("FailureStopsDownstreamDispatch", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			if unit.ID == "fetch" {
				return nil, executor.NewError(models.ExecutorErrorKind, errors.New("upstream hiccup"))
			}
			return &executor.Result{Output: unit.ID + " output"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name: "chain",
			Units: []models.WorkUnit{
				{ID: "fetch", Task: "fetch", Retry: fastRetry(1)},
				{ID: "transform", Task: "transform", DependsOn: []string{"fetch"}},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		assert.Empty(t, rowsFor(execs, "transform"), "dependents of a failed unit never dispatch")
	})
}

func TestExecuteRun_Escalation(t *testing.T) {
	t.Run("StandbyTakesOverAfterExhaustion", func(t *testing.T) {
		rec := newPromptRecorder()
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			rec.record(unit.ID, prompt)
			if unit.Task == "senior rewrite" {
				return &executor.Result{Output: "senior draft", Model: unit.Model}, nil
			}
			return nil, executor.NewError(models.ExecutorErrorKind, errors.New("junior stuck"))
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name: "escalating",
			Units: []models.WorkUnit{
				{ID: "draft", Task: "write the draft", Retry: fastRetry(2), EscalateTo: "senior-draft"},
				{ID: "senior-draft", Task: "senior rewrite", Standby: true, Retry: fastRetry(2), Model: "reviewer-xl"},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		rows := rowsFor(execs, "draft")
		assert.Len(t, rows, 3)
		assert.Equal(t, "draft", rows[0].ExecutedAs)
		assert.Equal(t, "draft", rows[1].ExecutedAs)
		assert.Equal(t, "senior-draft", rows[2].ExecutedAs)
		assert.Equal(t, 3, rows[2].Attempt, "attempt numbering continues across the handover")
		assert.Equal(t, models.CompletedExecutionStatus, rows[2].Status)
		assert.Empty(t, rowsFor(execs, "senior-draft"), "standby units never own rows")

		// the takeover publishes under the original producer id
		assert.Equal(t, "draft", rows[2].OutputProducer)
		content, err := f.artifacts.Get(context.Background(), artifact.Ref{Producer: "draft", Name: "output", Version: 1})
		assert.NoError(t, err)
		assert.Equal(t, "senior draft", content)

		escalations := f.sink.byType(events.UnitEscalated)
		assert.Len(t, escalations, 1)
		assert.Equal(t, "draft", escalations[0].UnitID)
		assert.Equal(t, "senior-draft", escalations[0].ExecutedAs)

		prompts := rec.forUnit("draft")
		assert.Len(t, prompts, 3)
		assert.Contains(t, prompts[2], "the task was escalated to 'senior-draft' after 2 failed attempt(s)")
		assert.Contains(t, prompts[2], "## Task\n\nsenior rewrite")
	})

	t.Run("StandbyGetsItsOwnBudget", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return nil, executor.NewError(models.ExecutorErrorKind, errors.New("nobody can"))
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name: "hopeless",
			Units: []models.WorkUnit{
				{ID: "draft", Task: "write", Retry: fastRetry(2), EscalateTo: "senior-draft"},
				{ID: "senior-draft", Task: "senior rewrite", Standby: true, Retry: fastRetry(2)},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.Reason, "escalated to 'senior-draft'")

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		rows := rowsFor(execs, "draft")
		assert.Len(t, rows, 4, "two junior attempts, then two on the standby's own budget")
		assert.Equal(t, "senior-draft", rows[2].ExecutedAs)
		assert.Equal(t, "senior-draft", rows[3].ExecutedAs)
		assert.Equal(t, 4, rows[3].Attempt)
	})
}

func TestExecuteRun_SchemaRepair(t *testing.T) {
	t.Run("RepairBudgetIsSeparateFromRetryBudget", func(t *testing.T) {
		rec := newPromptRecorder()
		var calls int32
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			rec.record(unit.ID, prompt)
			if atomic.AddInt32(&calls, 1) == 1 {
				return &executor.Result{Output: "missing everything"}, nil
			}
			return &executor.Result{Output: "## Summary\n\nall good"}, nil
		})
		f := newFixture(t, exec)

		// max_attempts 1 would make any retryable failure fatal; the repair
		// re-attempt must still happen
		id, err := f.svc.StartRun(config.RunConfig{
			Name: "shaped",
			Units: []models.WorkUnit{
				{
					ID:             "report",
					Task:           "write the report",
					Schema:         &models.OutputSchema{Format: "markdown", RequiredSections: []string{"## Summary"}},
					RepairAttempts: 1,
					Retry:          fastRetry(1),
				},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		rows := rowsFor(execs, "report")
		assert.Len(t, rows, 2)
		assert.Equal(t, models.FailedExecutionStatus, rows[0].Status)
		assert.Equal(t, models.SchemaErrorKind, rows[0].ErrorKind)
		assert.Equal(t, models.CompletedExecutionStatus, rows[1].Status)

		prompts := rec.forUnit("report")
		assert.Len(t, prompts, 2)
		assert.Contains(t, prompts[1], "violates the expected shape")
		assert.Contains(t, prompts[1], "'## Summary' not found")
	})

	t.Run("RepairExhaustionFailsRun", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return &executor.Result{Output: "still shapeless"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name: "misshaped",
			Units: []models.WorkUnit{
				{
					ID:     "report",
					Task:   "write the report",
					Schema: &models.OutputSchema{Format: "markdown", RequiredSections: []string{"## Summary"}},
				},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.Reason, "(schema)")

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		assert.Len(t, rowsFor(execs, "report"), 1, "no repair budget means the first violation settles it")
	})
}

func TestExecuteRun_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	rec := newPromptRecorder()
	var planCalls int32
	exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
		rec.record(unit.ID, prompt)
		if unit.ID == "plan" {
			atomic.AddInt32(&planCalls, 1)
		}
		return &executor.Result{Output: unit.ID + " take two"}, nil
	})
	f := newFixture(t, exec)

	id, err := f.svc.StartRun(config.RunConfig{
		Name: "resume-me",
		Units: []models.WorkUnit{
			{ID: "plan", Task: "plan the work"},
			{ID: "draft", Task: "draft it", DependsOn: []string{"plan"}},
		},
	})
	assert.NoError(t, err)

	// simulate a previous process that completed plan in wave 1, checkpointed,
	// and died with draft mid-flight in wave 2
	ref, err := f.artifacts.Put(ctx, "plan", models.DefaultOutputName, "the plan")
	assert.NoError(t, err)
	now := time.Now()
	_, err = f.store.SaveExecution(models.UnitExecution{
		RunID: id, UnitID: "plan", ExecutedAs: "plan", Attempt: 1, Wave: 1,
		Status:         models.CompletedExecutionStatus,
		OutputProducer: ref.Producer, OutputArtifact: ref.Name, OutputVersion: ref.Version,
		InputTokens: 10, OutputTokens: 2,
		StartedAt: &now, FinishedAt: &now,
	})
	assert.NoError(t, err)
	_, err = f.store.SaveExecution(models.UnitExecution{
		RunID: id, UnitID: "draft", ExecutedAs: "draft", Attempt: 1, Wave: 2,
		Status:    models.RunningExecutionStatus,
		StartedAt: &now,
	})
	assert.NoError(t, err)
	_, err = f.store.SaveCheckpoint(models.Checkpoint{
		RunID: id, Seq: 1, Kind: models.WaveCompleteCheckpoint,
		State: models.CheckpointState{Completed: []string{"plan"}, Pending: []string{"draft"}},
	})
	assert.NoError(t, err)

	ids, err := f.svc.RecoverRuns()
	assert.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	// the mid-flight attempt was requeued, not lost
	execs, err := f.svc.ListExecutions(id)
	assert.NoError(t, err)
	drafts := rowsFor(execs, "draft")
	assert.Len(t, drafts, 1)
	assert.Equal(t, models.FailedExecutionStatus, drafts[0].Status)
	assert.Equal(t, models.InterruptedErrorKind, drafts[0].ErrorKind)
	assert.True(t, drafts[0].Requeue)

	assert.NoError(t, f.svc.ExecuteRun(ctx, id))

	run, err := f.svc.GetRun(id)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)

	execs, err = f.svc.ListExecutions(id)
	assert.NoError(t, err)
	assert.Len(t, rowsFor(execs, "plan"), 1, "completed work is not redone")
	assert.Equal(t, int32(0), atomic.LoadInt32(&planCalls))

	drafts = rowsFor(execs, "draft")
	assert.Len(t, drafts, 2)
	redo := drafts[1]
	assert.Equal(t, 2, redo.Attempt, "attempt numbers continue across restarts")
	assert.Equal(t, 3, redo.Wave, "wave ordinals continue across restarts")
	assert.Equal(t, models.CompletedExecutionStatus, redo.Status)

	// the redo sees plan's stored output and knows it was interrupted
	prompts := rec.forUnit("draft")
	assert.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "### plan/output (full)")
	assert.Contains(t, prompts[0], "the plan")
	assert.Contains(t, prompts[0], "attempt 1 was interrupted before it finished")

	// the checkpoint sequence resumes after the stored one
	cps, err := f.svc.ListCheckpoints(id)
	assert.NoError(t, err)
	assert.Len(t, cps, 2)
	assert.Equal(t, 2, cps[1].Seq)
	assert.ElementsMatch(t, []string{"draft", "plan"}, cps[1].State.Completed)

	ids, err = f.svc.RecoverRuns()
	assert.NoError(t, err)
	assert.Empty(t, ids, "settled runs are not recovered again")
}

func TestExecuteRun_TokenAccounting(t *testing.T) {
	t.Run("RunCapFailsTheRun", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			return &executor.Result{Output: strings.Repeat("x", 4000)}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name:        "capped",
			RunTokenCap: 500,
			Units: []models.WorkUnit{
				{ID: "a", Task: "make a"},
				{ID: "b", Task: "make b", DependsOn: []string{"a"}},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.Reason, "run token cap of 500 tokens exhausted")

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		as := rowsFor(execs, "a")
		assert.Len(t, as, 1)
		assert.Equal(t, models.CompletedExecutionStatus, as[0].Status)
		assert.Equal(t, 1000, as[0].OutputTokens, "unreported usage is estimated from content")
		assert.Empty(t, rowsFor(execs, "b"), "no dispatch once the cap is spent")
	})

	t.Run("RemainingCapClampsLaterBudgets", func(t *testing.T) {
		rec := newPromptRecorder()
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			rec.record(unit.ID, prompt)
			if unit.ID == "a" {
				return &executor.Result{Output: strings.Repeat("x", 2000)}, nil
			}
			return &executor.Result{Output: "b done"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name:        "clamped",
			RunTokenCap: 900,
			Units: []models.WorkUnit{
				{ID: "a", Task: "make a"},
				{ID: "b", Task: "make b", DependsOn: []string{"a"}},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		// a's 500-token output no longer fits b's clamped budget whole
		prompts := rec.forUnit("b")
		assert.Len(t, prompts, 1)
		assert.Contains(t, prompts[0], "### a/output (summary)")
	})

	t.Run("BudgetStrictFailsOnDegradedContext", func(t *testing.T) {
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			if unit.ID == "a" {
				return &executor.Result{Output: strings.Repeat("x", 4000)}, nil
			}
			return &executor.Result{Output: "b done"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name:        "strict",
			TokenBudget: 100,
			Units: []models.WorkUnit{
				{ID: "a", Task: "make a"},
				{ID: "b", Task: "make b", DependsOn: []string{"a"}, BudgetStrict: true, Retry: fastRetry(1)},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.Reason, "requires its full direct context")

		execs, err := f.svc.ListExecutions(id)
		assert.NoError(t, err)
		bs := rowsFor(execs, "b")
		assert.Len(t, bs, 1)
		assert.Equal(t, models.FailedExecutionStatus, bs[0].Status)
		assert.Equal(t, models.BudgetErrorKind, bs[0].ErrorKind)
		assert.Equal(t, 1, f.sink.count(events.ContextDegraded))
	})

	t.Run("DegradedContextWarnsByDefault", func(t *testing.T) {
		rec := newPromptRecorder()
		exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
			rec.record(unit.ID, prompt)
			if unit.ID == "a" {
				return &executor.Result{Output: strings.Repeat("x", 4000)}, nil
			}
			return &executor.Result{Output: "b done"}, nil
		})
		f := newFixture(t, exec)

		id, err := f.svc.StartRun(config.RunConfig{
			Name:        "tolerant",
			TokenBudget: 100,
			Units: []models.WorkUnit{
				{ID: "a", Task: "make a"},
				{ID: "b", Task: "make b", DependsOn: []string{"a"}},
			},
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		run, err := f.svc.GetRun(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)
		assert.Equal(t, 1, f.sink.count(events.ContextDegraded))

		// b ran without a's output rather than failing
		prompts := rec.forUnit("b")
		assert.Len(t, prompts, 1)
		assert.NotContains(t, prompts[0], "### a/output")
	})
}

func TestCheckpointPolicies(t *testing.T) {
	chain := []models.WorkUnit{
		{ID: "a", Task: "a"},
		{ID: "b", Task: "b", DependsOn: []string{"a"}},
		{ID: "c", Task: "c", DependsOn: []string{"b"}},
	}

	t.Run("EveryUnit", func(t *testing.T) {
		f := newFixture(t, echoExecutor(nil))

		id, err := f.svc.StartRun(config.RunConfig{
			Name:             "per-unit",
			CheckpointPolicy: models.CheckpointEveryUnit,
			Units:            chain,
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		cps, err := f.svc.ListCheckpoints(id)
		assert.NoError(t, err)
		assert.Len(t, cps, 3)
		for i, cp := range cps {
			assert.Equal(t, i+1, cp.Seq)
			assert.Equal(t, models.UnitCompleteCheckpoint, cp.Kind)
		}
		assert.Equal(t, []string{"a"}, cps[0].State.Completed)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cps[2].State.Completed)
	})

	t.Run("ManualOnly", func(t *testing.T) {
		f := newFixture(t, echoExecutor(nil))

		id, err := f.svc.StartRun(config.RunConfig{
			Name:             "by-hand",
			CheckpointPolicy: models.CheckpointManual,
			Units:            chain,
		})
		assert.NoError(t, err)
		assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

		cps, err := f.svc.ListCheckpoints(id)
		assert.NoError(t, err)
		assert.Empty(t, cps, "manual policy writes nothing on its own")

		cp, err := f.svc.WriteCheckpoint(id)
		assert.NoError(t, err)
		assert.Equal(t, 1, cp.Seq)
		assert.Equal(t, models.ManualCheckpoint, cp.Kind)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cp.State.Completed)

		cp, err = f.svc.WriteCheckpoint(id)
		assert.NoError(t, err)
		assert.Equal(t, 2, cp.Seq)

		cps, err = f.svc.ListCheckpoints(id)
		assert.NoError(t, err)
		assert.Len(t, cps, 2)
	})
}

func TestExecuteRun_ConcurrencyLimit(t *testing.T) {
	var current, peak int32
	exec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
		cur := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &executor.Result{Output: unit.ID + " done"}, nil
	})
	f := newFixture(t, exec)

	units := make([]models.WorkUnit, 0, 6)
	for i := 0; i < 6; i++ {
		units = append(units, models.WorkUnit{ID: fmt.Sprintf("unit-%d", i), Task: "work"})
	}
	id, err := f.svc.StartRun(config.RunConfig{Name: "parallel", MaxParallel: 2, Units: units})
	assert.NoError(t, err)
	assert.NoError(t, f.svc.ExecuteRun(context.Background(), id))

	run, err := f.svc.GetRun(id)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)

	execs, err := f.svc.ListExecutions(id)
	assert.NoError(t, err)
	assert.Len(t, execs, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "max_parallel bounds concurrent executions")
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
	assert.Equal(t, 1, f.sink.count(events.WaveStarted), "independent units share one wave")
}
