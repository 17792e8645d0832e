package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/metrics"
)

// Jobs is the part of the job store a Runner needs.
type Jobs interface {
	Create(ctx context.Context, nj jobs.NewJob) (string, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
}

// Dispatcher hands a freshly created node job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, experimentID string, node Node) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, jobID string, experimentID string, node Node) error

func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string, experimentID string, node Node) error {
	return f(ctx, jobID, experimentID, node)
}

// Runner walks runs through their graphs.
//
// Each step creates one QUEUED job per dispatched node and records the step
// with RunUpdateWithNewJob. A step is taken only once every job of the
// previous step is COMPLETE; any FAILED, STOPPED, or DELETED job fails the
// run. A node is dispatched at most once per run, so cyclic graphs terminate.
//
// Runner methods are not safe for concurrent use on the same run; the Engine
// drives them from a single goroutine.
type Runner struct {
	store      *Store
	jobs       Jobs
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithDispatcher forwards every created node job to d.
func WithDispatcher(d Dispatcher) RunnerOption {
	return func(r *Runner) { r.dispatcher = d }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRunnerMetrics records run outcomes.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a Runner over s, creating node jobs through j.
func NewRunner(s *Store, j Jobs, opts ...RunnerOption) *Runner {
	r := &Runner{store: s, jobs: j, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start dispatches the entry nodes of a QUEUED run. Runs in any other state
// are left alone.
func (r *Runner) Start(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != RunQueued {
		return nil
	}

	cfg, ok, err := r.loadConfig(ctx, run)
	if err != nil || !ok {
		return err
	}

	entry := cfg.EntryNodes()
	if len(entry) == 0 {
		return r.finish(ctx, run, RunComplete, "graph has no runnable nodes")
	}
	return r.dispatch(ctx, run, cfg, entry)
}

// StartQueued starts every QUEUED run and returns how many were started.
func (r *Runner) StartQueued(ctx context.Context) (int, error) {
	runs, err := r.store.ListRuns(ctx, RunFilter{Statuses: []RunStatus{RunQueued}})
	if err != nil {
		return 0, err
	}
	started := 0
	for _, run := range runs {
		if err := r.Start(ctx, run.ID); err != nil {
			r.logger.Error("Failed to start workflow run",
				zap.String("run_id", run.ID),
				zap.String("workflow_id", run.WorkflowID),
				zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

// Advance reacts to a terminal status of a job dispatched by a run.
func (r *Runner) Advance(ctx context.Context, ev jobs.StatusEvent) error {
	if ev.WorkflowRunID == "" || !ev.To.Terminal() {
		return nil
	}
	run, err := r.store.GetRun(ctx, ev.WorkflowRunID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != RunRunning || !contains(run.CurrentJobIDs, ev.JobID) {
		return nil
	}

	if ev.To != jobs.StatusComplete {
		return r.finish(ctx, run, RunFailed, fmt.Sprintf("job %s ended %s", ev.JobID, ev.To))
	}

	for _, id := range run.CurrentJobIDs {
		j, err := r.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return r.finish(ctx, run, RunFailed, fmt.Sprintf("job %s no longer exists", id))
		}
		if j.Status == jobs.StatusComplete {
			continue
		}
		if j.Status.Terminal() {
			return r.finish(ctx, run, RunFailed, fmt.Sprintf("job %s ended %s", id, j.Status))
		}
		// Still waiting on a sibling.
		return nil
	}

	cfg, ok, err := r.loadConfig(ctx, run)
	if err != nil || !ok {
		return err
	}

	visited := make(map[string]struct{}, len(run.NodeIDs))
	for _, id := range run.NodeIDs {
		visited[id] = struct{}{}
	}
	var next []string
	for _, id := range run.CurrentTasks {
		node, ok := cfg.Node(id)
		if !ok {
			continue
		}
		for _, out := range node.Out {
			if _, seen := visited[out]; seen {
				continue
			}
			visited[out] = struct{}{}
			next = append(next, out)
		}
	}
	if len(next) == 0 {
		return r.finish(ctx, run, RunComplete, "")
	}
	return r.dispatch(ctx, run, cfg, next)
}

// loadConfig returns the parsed graph of the run's workflow. When the
// workflow is gone or its config is malformed the run is failed and ok is
// false.
func (r *Runner) loadConfig(ctx context.Context, run *Run) (Config, bool, error) {
	w, err := r.store.Get(ctx, run.WorkflowID)
	if err != nil {
		return Config{}, false, err
	}
	if w == nil || w.Status == StatusDeleted {
		return Config{}, false, r.finish(ctx, run, RunFailed, "workflow is missing or deleted")
	}
	cfg, err := w.Parsed()
	if err != nil {
		r.logger.Warn("Workflow config is malformed; failing run",
			zap.String("workflow_id", w.ID),
			zap.String("run_id", run.ID),
			zap.Error(err))
		return Config{}, false, r.finish(ctx, run, RunFailed, "malformed workflow config")
	}
	return cfg, true, nil
}

func (r *Runner) dispatch(ctx context.Context, run *Run, cfg Config, nodeIDs []string) error {
	nodes := make([]Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		node, ok := cfg.Node(id)
		if !ok {
			return r.finish(ctx, run, RunFailed, fmt.Sprintf("unknown node %q", id))
		}
		nodes = append(nodes, node)
	}

	jobIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		id, err := r.jobs.Create(ctx, jobs.NewJob{
			Type:         nodeJobType(node),
			Status:       jobs.StatusQueued,
			ExperimentID: run.ExperimentID,
			Data:         nodeJobData(run, node),
		})
		if err != nil {
			return fmt.Errorf("create job for node %s: %w", node.ID, err)
		}
		jobIDs = append(jobIDs, id)
	}

	ok, err := r.store.RunUpdateWithNewJob(ctx, run.ID, nodeIDs, jobIDs)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("Workflow run ended before advancement was recorded",
			zap.String("run_id", run.ID),
			zap.Strings("job_ids", jobIDs))
		return nil
	}
	r.logger.Info("Workflow run advanced",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", run.WorkflowID),
		zap.Strings("node_ids", nodeIDs),
		zap.Strings("job_ids", jobIDs))

	if r.dispatcher == nil {
		return nil
	}
	for i, node := range nodes {
		if err := r.dispatcher.Dispatch(ctx, jobIDs[i], run.ExperimentID, node); err != nil {
			r.logger.Error("Failed to dispatch workflow job",
				zap.String("run_id", run.ID),
				zap.String("job_id", jobIDs[i]),
				zap.String("node_id", node.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, run *Run, status RunStatus, reason string) error {
	if _, err := r.store.UpdateRunStatus(ctx, run.ID, status); err != nil {
		return err
	}
	r.metrics.RunFinished(string(status))
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", string(status)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	r.logger.Info("Workflow run finished", fields...)
	return nil
}

func nodeJobType(node Node) jobs.Type {
	t := strings.ToUpper(strings.TrimSpace(node.Type))
	if t == "" {
		return jobs.TypeTask
	}
	return jobs.Type(t)
}

func nodeJobData(run *Run, node Node) jobs.JobData {
	var d jobs.JobData
	for k, v := range node.Data {
		// Values that do not fit a typed key are dropped; the explicit node fields below still apply.
		_ = d.Set(k, v)
	}
	d.Merge(jobs.JobData{
		Command:        node.Command,
		ClusterName:    node.Cluster,
		ProviderID:     node.Provider,
		WorkflowRunID:  run.ID,
		WorkflowNodeID: node.ID,
		Extra:          map[string]any{"workflow_id": run.WorkflowID},
	})
	if node.Task != "" {
		_ = d.Set("task", node.Task)
	}
	return d
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
