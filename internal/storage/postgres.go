package storage

import (
	"database/sql"
	"fmt"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun creates a new workflow run and returns its ID.
func (s *PostgresStore) SaveRun(run models.WorkflowRun) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_runs (name, status, graph_config, token_budget, run_token_cap, max_parallel, checkpoint_policy, approval_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		run.Name, run.Status, run.GraphConfig, run.TokenBudget, run.RunTokenCap,
		run.MaxParallel, run.CheckpointPolicy, run.ApprovalDefault).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save run: %w", err)
	}
	return id, nil
}

// GetRun retrieves a run by ID, including its execution history.
func (s *PostgresStore) GetRun(id int64) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT * FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, err
	}

	err = s.db.Select(&run.Executions, "SELECT * FROM unit_executions WHERE run_id = $1 ORDER BY id", id)
	if err != nil {
		return models.WorkflowRun{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT * FROM workflow_runs ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus moves a run through its lifecycle. The reason only
// overwrites a previous one when non-empty, and finished_at is written once,
// on the first terminal transition.
func (s *PostgresStore) UpdateRunStatus(id int64, status models.RunStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET status = $1,
		reason = CASE WHEN $2 <> '' THEN $2 ELSE reason END,
		updated_at = CURRENT_TIMESTAMP,
		finished_at = CASE WHEN $3 IN ('completed', 'failed') AND finished_at IS NULL THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = $4`,
		// the CASE clauses get their own parameter slots so pq can infer types
		status, reason, status, id)
	if err != nil {
		return fmt.Errorf("update run %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListIncompleteRuns returns runs still marked running, with executions
// attached, for crash recovery on startup.
func (s *PostgresStore) ListIncompleteRuns() ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT * FROM workflow_runs WHERE status = $1 ORDER BY id", models.RunningRunStatus)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		err = s.db.Select(&runs[i].Executions, "SELECT * FROM unit_executions WHERE run_id = $1 ORDER BY id", runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list executions of run %d: %w", runs[i].ID, err)
		}
	}
	return runs, nil
}

// SaveExecution inserts the row for one attempt. The (run_id, unit_id,
// attempt) key is unique, so double-dispatching an attempt surfaces here.
func (s *PostgresStore) SaveExecution(e models.UnitExecution) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO unit_executions (run_id, unit_id, executed_as, attempt, wave, status,
			output_producer, output_name, output_version, input_tokens, output_tokens,
			error_kind, error_msg, requeue, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		e.RunID, e.UnitID, e.ExecutedAs, e.Attempt, e.Wave, e.Status,
		e.OutputProducer, e.OutputArtifact, e.OutputVersion, e.InputTokens, e.OutputTokens,
		e.ErrorKind, e.ErrorMsg, e.Requeue, e.StartedAt, e.FinishedAt).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("execution already exists for unit '%s' attempt %d", e.UnitID, e.Attempt)
	}
	if err != nil {
		return 0, fmt.Errorf("save execution: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateExecution(e models.UnitExecution) error {
	res, err := s.db.Exec(`
		UPDATE unit_executions
		SET status = $1, output_producer = $2, output_name = $3, output_version = $4,
		input_tokens = $5, output_tokens = $6, error_kind = $7, error_msg = $8,
		requeue = $9, started_at = $10, finished_at = $11
		WHERE id = $12`,
		e.Status, e.OutputProducer, e.OutputArtifact, e.OutputVersion,
		e.InputTokens, e.OutputTokens, e.ErrorKind, e.ErrorMsg,
		e.Requeue, e.StartedAt, e.FinishedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListExecutions returns every attempt of the run in insertion order, so the
// attempt history reads oldest first.
func (s *PostgresStore) ListExecutions(runID int64) ([]models.UnitExecution, error) {
	execs := []models.UnitExecution{}
	err := s.db.Select(&execs, "SELECT * FROM unit_executions WHERE run_id = $1 ORDER BY id", runID)
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) SaveCheckpoint(c models.Checkpoint) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO checkpoints (run_id, seq, kind, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		c.RunID, c.Seq, c.Kind, c.State).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("checkpoint seq %d already exists for run %d", c.Seq, c.RunID)
	}
	if err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) LatestCheckpoint(runID int64) (models.Checkpoint, error) {
	var c models.Checkpoint
	err := s.db.Get(&c, "SELECT * FROM checkpoints WHERE run_id = $1 ORDER BY seq DESC LIMIT 1", runID)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Checkpoint{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListCheckpoints(runID int64) ([]models.Checkpoint, error) {
	checkpoints := []models.Checkpoint{}
	err := s.db.Select(&checkpoints, "SELECT * FROM checkpoints WHERE run_id = $1 ORDER BY seq", runID)
	if err != nil {
		return nil, err
	}
	return checkpoints, nil
}

func (s *PostgresStore) SaveApproval(a models.ApprovalRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, run_id, execution_id, unit_id, approver, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.RunID, a.ExecutionID, a.UnitID, a.Approver, a.Status, a.Reason)
	if isUniqueViolation(err) {
		return fmt.Errorf("approval '%s' already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(id string) (models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	err := s.db.Get(&a, "SELECT * FROM approvals WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ApprovalRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	return a, nil
}

// ResolveApproval finalizes a pending request. The pending guard lives in the
// WHERE clause, so concurrent resolutions race on the row and exactly one
// wins.
func (s *PostgresStore) ResolveApproval(id string, status models.ApprovalStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE approvals
		SET status = $1, reason = $2, resolved_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = 'pending'`,
		status, reason, id)
	if err != nil {
		return fmt.Errorf("resolve approval '%s': %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := s.db.Get(&current, "SELECT status FROM approvals WHERE id = $1", id)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("approval '%s' already resolved", id)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	approvals := []models.ApprovalRequest{}
	var err error
	if status == "" {
		err = s.db.Select(&approvals, "SELECT * FROM approvals ORDER BY created_at, id")
	} else {
		err = s.db.Select(&approvals, "SELECT * FROM approvals WHERE status = $1 ORDER BY created_at, id", status)
	}
	if err != nil {
		return nil, err
	}
	return approvals, nil
}
