package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements storage.Store with in-memory storage. Writes apply
// immediately; transactions only track the committed flag so double commits
// and writes after commit are caught like they would be on Postgres.
type mockStore struct {
	mu           sync.Mutex
	runs         []models.WorkflowRun
	executions   []models.UnitExecution
	checkpoints  []models.Checkpoint
	approvals    []models.ApprovalRequest
	nextRunID    int64
	nextExecID   int64
	nextCheckpID int64
}

// NewMockStore returns an in-memory Store safe for concurrent use.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) {
	return &mockTx{store: m}, nil
}

func (m *mockStore) Commit() error {
	return errors.New("cannot commit: not a transaction")
}

func (m *mockStore) Rollback() error {
	return errors.New("cannot rollback: not a transaction")
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveRun(run models.WorkflowRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run.ID = m.nextRunID
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.Executions = nil
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *mockStore) GetRun(id int64) (models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID == id {
			run.Executions = m.executionsForRun(id)
			return run, nil
		}
	}
	return models.WorkflowRun{}, ErrNotFound
}

func (m *mockStore) ListRuns() ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// newest first, matching the Postgres store
	runs := make([]models.WorkflowRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		runs = append(runs, m.runs[i])
	}
	return runs, nil
}

func (m *mockStore) UpdateRunStatus(id int64, status models.RunStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, run := range m.runs {
		if run.ID != id {
			continue
		}
		now := time.Now()
		m.runs[i].Status = status
		m.runs[i].UpdatedAt = now
		if reason != "" {
			m.runs[i].Reason = reason
		}
		if status.Terminal() && m.runs[i].FinishedAt == nil {
			m.runs[i].FinishedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ListIncompleteRuns() ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []models.WorkflowRun
	for _, run := range m.runs {
		if run.Status == models.RunningRunStatus {
			run.Executions = m.executionsForRun(run.ID)
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (m *mockStore) SaveExecution(e models.UnitExecution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.RunID == e.RunID && existing.UnitID == e.UnitID && existing.Attempt == e.Attempt {
			return 0, errors.Errorf("execution already exists for unit '%s' attempt %d", e.UnitID, e.Attempt)
		}
	}
	m.nextExecID++
	e.ID = m.nextExecID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.executions = append(m.executions, e)
	return e.ID, nil
}

func (m *mockStore) UpdateExecution(e models.UnitExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.executions {
		if existing.ID == e.ID {
			e.CreatedAt = existing.CreatedAt
			m.executions[i] = e
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListExecutions(runID int64) ([]models.UnitExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executionsForRun(runID), nil
}

// executionsForRun returns copies in insertion order. Callers hold the lock.
func (m *mockStore) executionsForRun(runID int64) []models.UnitExecution {
	var execs []models.UnitExecution
	for _, e := range m.executions {
		if e.RunID == runID {
			execs = append(execs, e)
		}
	}
	return execs
}

func (m *mockStore) SaveCheckpoint(c models.Checkpoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints {
		if existing.RunID == c.RunID && existing.Seq == c.Seq {
			return 0, errors.Errorf("checkpoint seq %d already exists for run %d", c.Seq, c.RunID)
		}
	}
	m.nextCheckpID++
	c.ID = m.nextCheckpID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.checkpoints = append(m.checkpoints, c)
	return c.ID, nil
}

func (m *mockStore) LatestCheckpoint(runID int64) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest models.Checkpoint
	found := false
	for _, c := range m.checkpoints {
		if c.RunID == runID && (!found || c.Seq > latest.Seq) {
			latest = c
			found = true
		}
	}
	if !found {
		return models.Checkpoint{}, ErrNotFound
	}
	return latest, nil
}

func (m *mockStore) ListCheckpoints(runID int64) ([]models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var checkpoints []models.Checkpoint
	for _, c := range m.checkpoints {
		if c.RunID == runID {
			checkpoints = append(checkpoints, c)
		}
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Seq < checkpoints[j].Seq })
	return checkpoints, nil
}

func (m *mockStore) SaveApproval(a models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.ID == a.ID {
			return errors.Errorf("approval '%s' already exists", a.ID)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.approvals = append(m.approvals, a)
	return nil
}

func (m *mockStore) GetApproval(id string) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.ID == id {
			return a, nil
		}
	}
	return models.ApprovalRequest{}, ErrNotFound
}

func (m *mockStore) ResolveApproval(id string, status models.ApprovalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.approvals {
		if a.ID != id {
			continue
		}
		if a.Status != models.PendingApprovalStatus {
			return errors.Errorf("approval '%s' already resolved", id)
		}
		now := time.Now()
		m.approvals[i].Status = status
		m.approvals[i].Reason = reason
		m.approvals[i].ResolvedAt = &now
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ListApprovals(status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var approvals []models.ApprovalRequest
	for _, a := range m.approvals {
		if status == "" || a.Status == status {
			approvals = append(approvals, a)
		}
	}
	return approvals, nil
}

// mockTx wraps the shared store for one transaction.
type mockTx struct {
	store     *mockStore
	committed bool
}

func (t *mockTx) guard() error {
	if t.committed {
		return errors.New("transaction already committed")
	}
	return nil
}

func (t *mockTx) Begin() (Store, error) {
	return nil, errors.New("cannot begin: already in a transaction")
}

func (t *mockTx) Commit() error {
	if t.committed {
		return errors.New("already committed")
	}
	t.committed = true
	return nil
}

func (t *mockTx) Rollback() error {
	if t.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func (t *mockTx) Close() error {
	return nil
}

func (t *mockTx) SaveRun(run models.WorkflowRun) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.store.SaveRun(run)
}

func (t *mockTx) GetRun(id int64) (models.WorkflowRun, error) {
	return t.store.GetRun(id)
}

func (t *mockTx) ListRuns() ([]models.WorkflowRun, error) {
	return t.store.ListRuns()
}

func (t *mockTx) UpdateRunStatus(id int64, status models.RunStatus, reason string) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.UpdateRunStatus(id, status, reason)
}

func (t *mockTx) ListIncompleteRuns() ([]models.WorkflowRun, error) {
	return t.store.ListIncompleteRuns()
}

func (t *mockTx) SaveExecution(e models.UnitExecution) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.store.SaveExecution(e)
}

func (t *mockTx) UpdateExecution(e models.UnitExecution) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.UpdateExecution(e)
}

func (t *mockTx) ListExecutions(runID int64) ([]models.UnitExecution, error) {
	return t.store.ListExecutions(runID)
}

func (t *mockTx) SaveCheckpoint(c models.Checkpoint) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.store.SaveCheckpoint(c)
}

func (t *mockTx) LatestCheckpoint(runID int64) (models.Checkpoint, error) {
	return t.store.LatestCheckpoint(runID)
}

func (t *mockTx) ListCheckpoints(runID int64) ([]models.Checkpoint, error) {
	return t.store.ListCheckpoints(runID)
}

func (t *mockTx) SaveApproval(a models.ApprovalRequest) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.SaveApproval(a)
}

func (t *mockTx) GetApproval(id string) (models.ApprovalRequest, error) {
	return t.store.GetApproval(id)
}

func (t *mockTx) ResolveApproval(id string, status models.ApprovalStatus, reason string) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.ResolveApproval(id, status, reason)
}

func (t *mockTx) ListApprovals(status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	return t.store.ListApprovals(status)
}
