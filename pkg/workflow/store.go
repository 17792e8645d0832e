package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/store"
)

// Store persists workflows and workflow runs.
//
// Mutations that target a missing or deleted row are no-ops reported through
// a false/zero result rather than an error.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore wraps an already-migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() string {
	return store.FormatTime(s.now())
}

// NewWorkflow describes a workflow to create. Config is stored verbatim.
type NewWorkflow struct {
	Name         string
	Config       string
	ExperimentID string
}

// Create inserts a workflow definition and returns its id.
func (s *Store) Create(ctx context.Context, nw NewWorkflow) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(nw.Name)
	if name == "" {
		return "", ErrNameRequired
	}
	id := uuid.New().String()
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, config, status, experiment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, nw.Config, string(StatusCreated), nw.ExperimentID, now, now)
	if err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	return id, nil
}

const workflowColumns = `id, name, config, status, experiment_id, created_at, updated_at`

// Get returns a workflow by id (deleted rows included), or nil.
func (s *Store) Get(ctx context.Context, id string) (*Workflow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// List returns non-deleted workflows, oldest first. An empty experimentID
// lists every experiment.
func (s *Store) List(ctx context.Context, experimentID string) ([]Workflow, error) {
	return s.list(ctx, experimentID, experimentID != "")
}

// ListInExperiment returns the non-deleted workflows of exactly one
// experiment. The empty experiment id is a scope of its own.
func (s *Store) ListInExperiment(ctx context.Context, experimentID string) ([]Workflow, error) {
	return s.list(ctx, experimentID, true)
}

func (s *Store) list(ctx context.Context, experimentID string, scoped bool) ([]Workflow, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status != ?`
	args := []any{string(StatusDeleted)}
	if scoped {
		query += ` AND experiment_id = ?`
		args = append(args, experimentID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// UpdateConfig replaces the config document of a live workflow.
func (s *Store) UpdateConfig(ctx context.Context, id string, config string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET config = ?, updated_at = ? WHERE id = ? AND status != ?`,
		config, s.stamp(), id, string(StatusDeleted))
	if err != nil {
		return false, fmt.Errorf("update workflow config: %w", err)
	}
	return affected(res)
}

// DeleteByID soft-deletes one workflow.
func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(StatusDeleted), s.stamp(), id, string(StatusDeleted))
	if err != nil {
		return false, fmt.Errorf("delete workflow: %w", err)
	}
	return affected(res)
}

// DeleteByName soft-deletes every live workflow with the given name and
// returns how many rows changed.
func (s *Store) DeleteByName(ctx context.Context, name string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE name = ? AND status != ?`,
		string(StatusDeleted), s.stamp(), name, string(StatusDeleted))
	if err != nil {
		return 0, fmt.Errorf("delete workflows by name: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAll physically removes every workflow. Reset tooling only.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows`)
	if err != nil {
		return 0, fmt.Errorf("delete all workflows: %w", err)
	}
	return res.RowsAffected()
}

// Queue creates a QUEUED run for a live workflow. It reports false when the
// workflow is missing or deleted.
func (s *Store) Queue(ctx context.Context, workflowID string) (bool, error) {
	run, err := s.QueueRun(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return run != nil, nil
}

// QueueRun is Queue returning the created run, or nil when nothing was queued.
func (s *Store) QueueRun(ctx context.Context, workflowID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w == nil || w.Status == StatusDeleted {
		s.logger.Debug("Workflow not queued; missing or deleted", zap.String("workflow_id", workflowID))
		return nil, nil
	}

	now := s.now()
	run := &Run{
		ID:            uuid.New().String(),
		WorkflowID:    w.ID,
		WorkflowName:  w.Name,
		Status:        RunQueued,
		JobIDs:        []string{},
		NodeIDs:       []string{},
		CurrentTasks:  []string{},
		CurrentJobIDs: []string{},
		ExperimentID:  w.ExperimentID,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	stamp := store.FormatTime(now)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_name, status, job_ids, node_ids, current_tasks, current_job_ids, experiment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', '[]', '[]', '[]', ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, string(run.Status), run.ExperimentID, stamp, stamp)
	if err != nil {
		return nil, fmt.Errorf("queue workflow run: %w", err)
	}
	return run, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	var w Workflow
	var status string
	var createdRaw, updatedRaw any
	if err := r.Scan(&w.ID, &w.Name, &w.Config, &status, &w.ExperimentID, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	var err error
	if w.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if w.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &w, nil
}

func decodeIDs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func encodeIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}
