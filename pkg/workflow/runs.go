package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/store"
)

const runColumns = `id, workflow_id, workflow_name, status, job_ids, node_ids, current_tasks, current_job_ids, experiment_id, created_at, updated_at`

// RunFilter narrows ListRuns results.
type RunFilter struct {
	WorkflowID     string
	ExperimentID   string
	Statuses       []RunStatus
	IncludeDeleted bool
	Limit          int
}

// GetRun returns a run by id (deleted rows included), or nil.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs matching f, oldest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.ExperimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, f.ExperimentID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",") + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.IncludeDeleted {
		query += ` AND status != ?`
		args = append(args, string(RunDeleted))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	return out, nil
}

// RunUpdateWithNewJob records one advancement step of a run.
//
// In a single transaction it sets current_tasks and current_job_ids to the
// given ids and appends them to node_ids and job_ids. A QUEUED run moves to
// RUNNING. The two id lists must have the same length. It reports false when
// the run is missing or already terminal.
func (s *Store) RunUpdateWithNewJob(ctx context.Context, runID string, nodeIDs []string, jobIDs []string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(nodeIDs) != len(jobIDs) {
		return false, fmt.Errorf("%w: %d nodes, %d jobs", ErrListMismatch, len(nodeIDs), len(jobIDs))
	}
	if len(jobIDs) == 0 {
		return false, fmt.Errorf("%w: advancement needs at least one job", ErrListMismatch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Take the write lock before reading so concurrent advancements serialize.
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_runs SET updated_at = updated_at WHERE id = ? AND status IN (?, ?)`,
		runID, string(RunQueued), string(RunRunning))
	if err != nil {
		return false, fmt.Errorf("lock workflow run: %w", err)
	}
	if ok, err := affected(res); err != nil || !ok {
		return false, err
	}

	var jobsRaw, nodesRaw string
	if err := tx.QueryRowContext(ctx,
		`SELECT job_ids, node_ids FROM workflow_runs WHERE id = ?`, runID).Scan(&jobsRaw, &nodesRaw); err != nil {
		return false, fmt.Errorf("read workflow run: %w", err)
	}
	allJobs, err := decodeIDs(jobsRaw)
	if err != nil {
		return false, fmt.Errorf("decode job_ids: %w", err)
	}
	allNodes, err := decodeIDs(nodesRaw)
	if err != nil {
		return false, fmt.Errorf("decode node_ids: %w", err)
	}

	allJobs = append(allJobs, jobIDs...)
	allNodes = append(allNodes, nodeIDs...)

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET status = ?, job_ids = ?, node_ids = ?, current_tasks = ?, current_job_ids = ?, updated_at = ?
		 WHERE id = ?`,
		string(RunRunning), encodeIDs(allJobs), encodeIDs(allNodes), encodeIDs(nodeIDs), encodeIDs(jobIDs), s.stamp(), runID); err != nil {
		return false, fmt.Errorf("advance workflow run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit workflow run: %w", err)
	}
	return true, nil
}

// UpdateRunStatus sets a run's status. DELETED runs are left untouched.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !status.Valid() {
		return false, fmt.Errorf("invalid workflow run status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(status), s.stamp(), runID, string(RunDeleted))
	if err != nil {
		return false, fmt.Errorf("update workflow run status: %w", err)
	}
	ok, err := affected(res)
	if err == nil && !ok {
		s.logger.Debug("Workflow run not found; ignoring status update", zap.String("run_id", runID))
	}
	return ok, err
}

// CountRunning counts RUNNING runs.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	return s.countRuns(ctx, RunRunning)
}

// CountQueued counts QUEUED runs.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	return s.countRuns(ctx, RunQueued)
}

func (s *Store) countRuns(ctx context.Context, status RunStatus) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_runs WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workflow runs: %w", err)
	}
	return n, nil
}

// DeleteRun soft-deletes a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) (bool, error) {
	return s.UpdateRunStatus(ctx, runID, RunDeleted)
}

// DeleteAllRuns physically removes every run. Reset tooling only.
func (s *Store) DeleteAllRuns(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs`)
	if err != nil {
		return 0, fmt.Errorf("delete all workflow runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(r rowScanner) (*Run, error) {
	var run Run
	var status, jobsRaw, nodesRaw, tasksRaw, currentRaw string
	var createdRaw, updatedRaw any
	if err := r.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &status,
		&jobsRaw, &nodesRaw, &tasksRaw, &currentRaw, &run.ExperimentID, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)

	var err error
	if run.JobIDs, err = decodeIDs(jobsRaw); err != nil {
		return nil, fmt.Errorf("decode job_ids: %w", err)
	}
	if run.NodeIDs, err = decodeIDs(nodesRaw); err != nil {
		return nil, fmt.Errorf("decode node_ids: %w", err)
	}
	if run.CurrentTasks, err = decodeIDs(tasksRaw); err != nil {
		return nil, fmt.Errorf("decode current_tasks: %w", err)
	}
	if run.CurrentJobIDs, err = decodeIDs(currentRaw); err != nil {
		return nil, fmt.Errorf("decode current_job_ids: %w", err)
	}
	if run.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if run.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &run, nil
}
