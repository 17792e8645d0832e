package jobs

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

// Publisher receives committed status transitions.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

// Store persists jobs in the jobs table.
//
// Every mutation runs in its own transaction. Mutations against a job id that
// does not exist (or belongs to a different experiment) are no-ops, so
// retries against deleted rows never fail.
type Store struct {
	db        *sql.DB
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithPublisher publishes every committed status change to p.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore wraps an already-migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() string {
	return store.FormatTime(s.now())
}

// Create inserts a job and returns its id.
func (s *Store) Create(ctx context.Context, nj NewJob) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	jobType := Type(strings.TrimSpace(string(nj.Type)))
	if jobType == "" {
		return "", ErrInvalidType
	}
	status := nj.Status
	if status == "" {
		status = StatusCreated
	}
	if status != StatusCreated && status != StatusQueued {
		return "", fmt.Errorf("%w: new jobs start CREATED or QUEUED, got %s", ErrInvalidStatus, status)
	}

	data, err := json.Marshal(nj.Data)
	if err != nil {
		return "", fmt.Errorf("marshal job_data: %w", err)
	}

	id := uuid.New().String()
	now := s.stamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, experiment_id, progress, job_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, string(jobType), string(status), nj.ExperimentID, string(data), now, now)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// Get returns a job by id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, experiment_id, progress, job_data, created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching f, newest first. DELETED rows are excluded
// unless f.IncludeDeleted is set.
func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT id, type, status, experiment_id, progress, job_data, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any
	if f.ExperimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, f.ExperimentID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.IncludeDeleted {
		query += ` AND status != ?`
		args = append(args, string(StatusDeleted))
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// CountByStatus counts non-deleted jobs per status, optionally scoped to an experiment.
func (s *Store) CountByStatus(ctx context.Context, experimentID string) (map[Status]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := `SELECT status, COUNT(*) FROM jobs WHERE status != ?`
	args := []any{string(StatusDeleted)}
	if experimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, experimentID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// UpdateStatus moves a job to status, optionally recording errorMsg in
// job_data.error_msg.
//
// A missing job (or one outside experimentID, when given) is a no-op. The
// change is published after commit when the status actually changed. The
// event is stored on the row until it has been published, so a retry of a
// status write whose publish failed delivers it again; once delivered,
// re-writing the current status does not publish again.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status, experimentID string, errorMsg string) error {
	return s.transition(ctx, jobID, status, experimentID, JobData{ErrorMsg: errorMsg})
}

// UpdateStatusWithData moves a job to status and merges patch into its
// job_data in the same transaction. A rejected transition writes nothing.
func (s *Store) UpdateStatusWithData(ctx context.Context, jobID string, status Status, experimentID string, patch JobData) error {
	return s.transition(ctx, jobID, status, experimentID, patch)
}

func (s *Store) transition(ctx context.Context, jobID string, status Status, experimentID string, patch JobData) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var ev *StatusEvent
	var pending string
	err := s.withJob(ctx, jobID, experimentID, func(tx *sql.Tx, j *Job) error {
		if err := checkTransition(j.Status, status); err != nil {
			return err
		}
		j.Data.Merge(patch)
		data, err := json.Marshal(j.Data)
		if err != nil {
			return fmt.Errorf("marshal job_data: %w", err)
		}

		if j.Status == status {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET job_data = ?, updated_at = ? WHERE id = ?`,
				string(data), s.stamp(), j.ID); err != nil {
				return fmt.Errorf("update job status: %w", err)
			}
			ev, pending, err = s.undelivered(ctx, tx, j.ID, status)
			return err
		}

		ev = &StatusEvent{
			JobID:         j.ID,
			ExperimentID:  j.ExperimentID,
			Type:          j.Type,
			From:          j.Status,
			To:            status,
			ErrorMsg:      patch.ErrorMsg,
			WorkflowRunID: j.Data.WorkflowRunID,
			At:            s.now().UTC(),
		}
		if s.publisher != nil {
			raw, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal status event: %w", err)
			}
			pending = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, job_data = ?, pending_event = ?, updated_at = ? WHERE id = ?`,
			string(status), string(data), pending, s.stamp(), j.ID); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ev != nil && s.publisher != nil {
		return s.deliver(ctx, *ev, pending)
	}
	return nil
}

// undelivered returns the stored event for jobID when it still describes a
// move into status.
func (s *Store) undelivered(ctx context.Context, tx *sql.Tx, jobID string, status Status) (*StatusEvent, string, error) {
	if s.publisher == nil {
		return nil, "", nil
	}
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT pending_event FROM jobs WHERE id = ?`, jobID).Scan(&raw); err != nil {
		return nil, "", fmt.Errorf("read pending event: %w", err)
	}
	if raw == "" {
		return nil, "", nil
	}
	var ev StatusEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		s.logger.Warn("Dropping unreadable pending status event", zap.String("job_id", jobID), zap.Error(err))
		return nil, "", nil
	}
	if ev.To != status {
		return nil, "", nil
	}
	return &ev, raw, nil
}

// deliver publishes ev and clears the stored copy. The caller's cancellation
// does not abort a publish for a change that is already committed.
func (s *Store) deliver(ctx context.Context, ev StatusEvent, pending string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("Failed to publish job status event",
			zap.String("job_id", ev.JobID),
			zap.String("status", string(ev.To)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if pending == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET pending_event = '' WHERE id = ? AND pending_event = ?`,
		ev.JobID, pending); err != nil {
		s.logger.Warn("Failed to clear delivered status event", zap.String("job_id", ev.JobID), zap.Error(err))
	}
	return nil
}

// RepublishPending publishes every stored status event that was committed
// but never delivered, and returns how many were delivered.
func (s *Store) RepublishPending(ctx context.Context) (int, error) {
	if s.publisher == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pending_event FROM jobs WHERE pending_event != '' ORDER BY updated_at ASC`)
	if err != nil {
		return 0, fmt.Errorf("query pending events: %w", err)
	}
	type stored struct{ id, raw string }
	var pending []stored
	for rows.Next() {
		var p stored
		if err := rows.Scan(&p.id, &p.raw); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan pending event: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate pending events: %w", err)
	}
	_ = rows.Close()

	delivered := 0
	for _, p := range pending {
		var ev StatusEvent
		if err := json.Unmarshal([]byte(p.raw), &ev); err != nil {
			s.logger.Warn("Dropping unreadable pending status event", zap.String("job_id", p.id), zap.Error(err))
			continue
		}
		if err := s.deliver(ctx, ev, p.raw); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// UpdateStatusAsync runs UpdateStatus on its own goroutine. The returned
// channel yields exactly one result and is then closed.
func (s *Store) UpdateStatusAsync(ctx context.Context, jobID string, status Status, experimentID string, errorMsg string) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- s.UpdateStatus(ctx, jobID, status, experimentID, errorMsg)
	}()
	return out
}

// InsertJobDataKey sets one job_data key without touching any other key.
func (s *Store) InsertJobDataKey(ctx context.Context, jobID string, key string, value any, experimentID string) error {
	patch := JobData{}
	if err := patch.Set(key, value); err != nil {
		return err
	}
	return s.MergeJobData(ctx, jobID, patch, experimentID)
}

// MergeJobData applies every populated key of patch in one transaction.
func (s *Store) MergeJobData(ctx context.Context, jobID string, patch JobData, experimentID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.withJob(ctx, jobID, experimentID, func(tx *sql.Tx, j *Job) error {
		j.Data.Merge(patch)
		return s.writeData(ctx, tx, j)
	})
}

// ReplaceJobData swaps the whole job_data document. Launch keys already on
// the row survive when next omits them.
func (s *Store) ReplaceJobData(ctx context.Context, jobID string, next JobData, experimentID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.withJob(ctx, jobID, experimentID, func(tx *sql.Tx, j *Job) error {
		j.Data = j.Data.Replace(next)
		return s.writeData(ctx, tx, j)
	})
}

// UpdateProgress records progress, clamped to 0..100.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int, experimentID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	query := `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status != ?`
	args := []any{progress, s.stamp(), jobID, string(StatusDeleted)}
	if experimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, experimentID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Delete soft-deletes a job.
func (s *Store) Delete(ctx context.Context, jobID string, experimentID string) error {
	return s.UpdateStatus(ctx, jobID, StatusDeleted, experimentID, "")
}

// DeleteAll soft-deletes every job in an experiment and returns the count.
func (s *Store) DeleteAll(ctx context.Context, experimentID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE experiment_id = ? AND status != ?`,
		string(StatusDeleted), s.stamp(), experimentID, string(StatusDeleted))
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAll physically removes every job row. Reset tooling only.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// withJob runs fn against a locked, freshly read row inside one transaction.
//
// The leading UPDATE takes SQLite's write lock before the read, so two
// concurrent read-modify-write cycles on the same row serialize instead of
// overwriting each other.
func (s *Store) withJob(ctx context.Context, jobID string, experimentID string, fn func(tx *sql.Tx, j *Job) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lock := `UPDATE jobs SET updated_at = updated_at WHERE id = ?`
	args := []any{jobID}
	if experimentID != "" {
		lock += ` AND experiment_id = ?`
		args = append(args, experimentID)
	}
	res, err := tx.ExecContext(ctx, lock, args...)
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("lock job: %w", err)
	} else if n == 0 {
		s.logger.Debug("Job not found; ignoring update", zap.String("job_id", jobID))
		return nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, status, experiment_id, progress, job_data, created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}

	if err := fn(tx, j); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job update: %w", err)
	}
	return nil
}

func (s *Store) writeData(ctx context.Context, tx *sql.Tx, j *Job) error {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return fmt.Errorf("marshal job_data: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET job_data = ?, updated_at = ? WHERE id = ?`,
		string(data), s.stamp(), j.ID); err != nil {
		return fmt.Errorf("update job_data: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var jobType, status, data string
	var createdRaw, updatedRaw any
	if err := r.Scan(&j.ID, &jobType, &status, &j.ExperimentID, &j.Progress, &data, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	j.Type = Type(jobType)
	j.Status = Status(status)

	parsed, err := ParseJobData(data)
	if err != nil {
		return nil, err
	}
	j.Data = parsed

	if j.CreatedAt, err = store.ParseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = store.ParseTime(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &j, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
