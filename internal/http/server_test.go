package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	internal_http "github.com/ignatij/agentflow/internal/http"
	"github.com/ignatij/agentflow/internal/log"
	internal_storage "github.com/ignatij/agentflow/internal/storage"
	"github.com/ignatij/agentflow/internal/testutil"
	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/events"
	"github.com/ignatij/agentflow/pkg/executor"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/service"
	"github.com/ignatij/agentflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestE2EServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	echoExec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
		return &executor.Result{Output: unit.ID + " output"}, nil
	})
	// holds its unit until the run context is cancelled
	blockingExec := executor.Func(func(ctx context.Context, unit *models.WorkUnit, prompt string) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	newTestStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE workflow_runs RESTART IDENTITY CASCADE")
			assert.NoError(t, err)
			_ = store.Close()
		})
		return store
	}

	newServer := func(t *testing.T, store storage.Store, exec executor.Executor) *httptest.Server {
		artifacts := artifact.NewMemoryStore()
		registry := prometheus.NewRegistry()
		metrics := events.NewMetrics()
		metrics.Register(registry)
		orc := service.NewOrchestrator(store, artifacts, exec, log.GetLogger(),
			service.WithSink(metrics),
			service.WithPollInterval(10*time.Millisecond),
		)
		ctx, cancel := context.WithCancel(context.Background())
		srv := httptest.NewServer(internal_http.NewServer(ctx, orc).Router(registry))
		t.Cleanup(func() {
			srv.Close()
			cancel()
			_ = artifacts.Close()
		})
		return srv
	}

	post := func(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewBufferString(body))
		assert.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.Client().Do(req)
		assert.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		return resp, data
	}

	startRun := func(t *testing.T, srv *httptest.Server, cfgYAML string) int64 {
		resp, err := srv.Client().Post(srv.URL+"/api/v1/runs", "application/x-yaml", strings.NewReader(cfgYAML))
		assert.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		var created struct {
			ID      int64  `json:"id"`
			Message string `json:"message"`
		}
		assert.NoError(t, json.Unmarshal(body, &created))
		return created.ID
	}

	getRun := func(t *testing.T, srv *httptest.Server, id int64) models.WorkflowRun {
		resp, err := srv.Client().Get(fmt.Sprintf("%s/api/v1/runs/%d", srv.URL, id))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var run models.WorkflowRun
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
		return run
	}

	waitForStatus := func(t *testing.T, srv *httptest.Server, id int64, want models.RunStatus) models.WorkflowRun {
		var run models.WorkflowRun
		assert.Eventually(t, func() bool {
			run = getRun(t, srv, id)
			return run.Status == want
		}, 10*time.Second, 15*time.Millisecond, "run %d never reached %s", id, want)
		return run
	}

	// polls until exactly one pending approval different from exclude shows up
	waitForPendingApproval := func(t *testing.T, srv *httptest.Server, exclude string) models.ApprovalRequest {
		var approvals []models.ApprovalRequest
		assert.Eventually(t, func() bool {
			resp, err := srv.Client().Get(srv.URL + "/api/v1/approvals?status=pending")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return false
			}
			approvals = nil
			if err := json.NewDecoder(resp.Body).Decode(&approvals); err != nil {
				return false
			}
			return len(approvals) == 1 && approvals[0].ID != exclude
		}, 10*time.Second, 15*time.Millisecond, "no pending approval showed up")
		return approvals[0]
	}

	t.Run("HealthCheck", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "AgentFlow server is running", string(body))
	})

	t.Run("StartAndCompleteRun", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, `
name: pipeline
units:
  - id: plan
    task: plan the work
  - id: draft
    task: draft it
    depends_on: [plan]
`)
		assert.Equal(t, int64(1), id)

		run := waitForStatus(t, srv, id, models.CompletedRunStatus)
		assert.NotNil(t, run.FinishedAt)

		resp, err := srv.Client().Get(fmt.Sprintf("%s/api/v1/runs/%d/executions", srv.URL, id))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var execs []models.UnitExecution
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&execs))
		assert.Len(t, execs, 2)
		assert.Equal(t, "plan", execs[0].UnitID)
		assert.Equal(t, 1, execs[0].Wave)
		assert.Equal(t, "draft", execs[1].UnitID)
		assert.Equal(t, 2, execs[1].Wave)
		for _, e := range execs {
			assert.Equal(t, models.CompletedExecutionStatus, e.Status)
		}
	})

	t.Run("StartRunRejectsInvalidConfig", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		resp, body := post(t, srv, "/api/v1/runs", `
name: broken
units:
  - id: a
    task: a
    depends_on: [b]
  - id: b
    task: b
    depends_on: [a]
`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "cycle detected in dependencies")

		runs, err := store.ListRuns()
		assert.NoError(t, err)
		assert.Empty(t, runs, "rejected configs never create a run row")
	})

	t.Run("ListRunsEmpty", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		resp, err := srv.Client().Get(srv.URL + "/api/v1/runs")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "[]", string(body))
	})

	t.Run("GetMissingRun", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		resp, err := srv.Client().Get(srv.URL + "/api/v1/runs/999")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "not found")

		resp, err = srv.Client().Get(srv.URL + "/api/v1/runs/abc")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("PauseRequiresRunningRun", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, "name: quick\nunits:\n  - id: solo\n    task: do it\n")
		waitForStatus(t, srv, id, models.CompletedRunStatus)

		resp, body := post(t, srv, fmt.Sprintf("/api/v1/runs/%d/pause", id), "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(body), "only running runs can be paused")
	})

	t.Run("CancelRun", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, blockingExec)

		id := startRun(t, srv, "name: stuck\nunits:\n  - id: forever\n    task: wait\n")

		resp, _ := post(t, srv, fmt.Sprintf("/api/v1/runs/%d/cancel", id), `{"reason": "operator stop"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		run := waitForStatus(t, srv, id, models.FailedRunStatus)
		assert.Equal(t, "cancelled: operator stop", run.Reason)

		// cancelling a settled run is a conflict
		resp, body := post(t, srv, fmt.Sprintf("/api/v1/runs/%d/cancel", id), "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(body), "already failed")
	})

	t.Run("ApprovalGate", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, `
name: gated
units:
  - id: draft
    task: draft it
    approval: human
`)
		approval := waitForPendingApproval(t, srv, "")
		assert.Equal(t, id, approval.RunID)
		assert.Equal(t, "draft", approval.UnitID)
		assert.Equal(t, models.HumanApproval, approval.Approver)

		run := getRun(t, srv, id)
		assert.Equal(t, models.RunningRunStatus, run.Status, "the run waits while the gate is open")

		resp, _ := post(t, srv, "/api/v1/approvals/"+approval.ID+"/approve", `{"reason": "ship it"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		waitForStatus(t, srv, id, models.CompletedRunStatus)

		resp2, err := srv.Client().Get(srv.URL + "/api/v1/approvals/" + approval.ID)
		assert.NoError(t, err)
		defer resp2.Body.Close()
		var resolved models.ApprovalRequest
		assert.NoError(t, json.NewDecoder(resp2.Body).Decode(&resolved))
		assert.Equal(t, models.ApprovedApprovalStatus, resolved.Status)
		assert.Equal(t, "ship it", resolved.Reason)
		assert.NotNil(t, resolved.ResolvedAt)

		// settling twice is a conflict
		resp, body := post(t, srv, "/api/v1/approvals/"+approval.ID+"/approve", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(body), "already")
	})

	t.Run("RejectionRequeuesTheUnit", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, `
name: gated
units:
  - id: draft
    task: draft it
    approval: human
`)
		first := waitForPendingApproval(t, srv, "")
		resp, _ := post(t, srv, "/api/v1/approvals/"+first.ID+"/reject", `{"reason": "tone is wrong"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// the unit re-enters the ready set and raises a fresh approval
		second := waitForPendingApproval(t, srv, first.ID)
		assert.NotEqual(t, first.ID, second.ID)

		resp, _ = post(t, srv, "/api/v1/approvals/"+second.ID+"/approve", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		waitForStatus(t, srv, id, models.CompletedRunStatus)

		execs, err := store.ListExecutions(id)
		assert.NoError(t, err)
		assert.Len(t, execs, 2)
		assert.Equal(t, models.FailedExecutionStatus, execs[0].Status)
		assert.Equal(t, models.ApprovalRejectedErrorKind, execs[0].ErrorKind)
		assert.True(t, execs[0].Requeue)
		assert.Equal(t, 1, execs[0].Attempt)
		assert.Equal(t, models.CompletedExecutionStatus, execs[1].Status)
		assert.Equal(t, 2, execs[1].Attempt)
	})

	t.Run("ManualCheckpoint", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, "name: quick\nunits:\n  - id: solo\n    task: do it\n")
		waitForStatus(t, srv, id, models.CompletedRunStatus)

		resp, body := post(t, srv, fmt.Sprintf("/api/v1/runs/%d/checkpoints", id), "")
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		var manual models.Checkpoint
		assert.NoError(t, json.Unmarshal(body, &manual))
		assert.Equal(t, models.ManualCheckpoint, manual.Kind)
		assert.Equal(t, 2, manual.Seq, "follows the wave checkpoint")
		assert.Equal(t, []string{"solo"}, manual.State.Completed)

		resp2, err := srv.Client().Get(fmt.Sprintf("%s/api/v1/runs/%d/checkpoints", srv.URL, id))
		assert.NoError(t, err)
		defer resp2.Body.Close()
		var checkpoints []models.Checkpoint
		assert.NoError(t, json.NewDecoder(resp2.Body).Decode(&checkpoints))
		assert.Len(t, checkpoints, 2)

		resp, _ = post(t, srv, "/api/v1/runs/999/checkpoints", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("ApprovalsRejectUnknownStatusFilter", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		resp, err := srv.Client().Get(srv.URL + "/api/v1/approvals?status=bogus")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MetricsExposed", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(t, store, echoExec)

		id := startRun(t, srv, "name: quick\nunits:\n  - id: solo\n    task: do it\n")
		waitForStatus(t, srv, id, models.CompletedRunStatus)

		resp, err := srv.Client().Get(srv.URL + "/metrics")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "agentflow_engine_runs_total")
		assert.Contains(t, string(body), "agentflow_engine_unit_executions_total")
		assert.Contains(t, string(body), "agentflow_engine_waves_total")
	})
}
