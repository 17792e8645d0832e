package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/launch"
	"github.com/3leaps/orchestra/pkg/metrics"
	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/reconcile"
	"github.com/3leaps/orchestra/pkg/runregistry"
	"github.com/3leaps/orchestra/pkg/workflow"
)

// CreateJob inserts a job and returns its id.
func (o *Orchestrator) CreateJob(ctx context.Context, jobType jobs.Type, status jobs.Status, experimentID string, data jobs.JobData) (string, error) {
	return o.jobs.Create(ctx, jobs.NewJob{Type: jobType, Status: status, ExperimentID: experimentID, Data: data})
}

// UpdateJobStatus moves a job to status. A COMPLETE transition is published
// to the workflow engine, which evaluates triggers on its own goroutine.
func (o *Orchestrator) UpdateJobStatus(ctx context.Context, jobID string, status jobs.Status, experimentID string, errorMsg string) error {
	return o.jobs.UpdateStatus(ctx, jobID, status, experimentID, errorMsg)
}

// QueueWorkflow queues a run of workflowID. It reports false when the
// workflow is missing or deleted. The run is started by the engine.
func (o *Orchestrator) QueueWorkflow(ctx context.Context, workflowID string) (bool, error) {
	run, err := o.workflows.QueueRun(ctx, workflowID)
	if err != nil || run == nil {
		return false, err
	}
	o.metrics.RunQueued(metrics.SourceManual)
	o.logger.Info("Workflow queued", zap.String("workflow_id", workflowID), zap.String("run_id", run.ID))
	o.engine.Wake()
	return true, nil
}

// EnqueueLocalLaunch queues a provider launch for a job. The call returns as
// soon as the item is queued; the job is WAITING until the worker takes it.
func (o *Orchestrator) EnqueueLocalLaunch(ctx context.Context, item launch.Item) (bool, error) {
	cfg := make(map[string]any, len(item.ClusterConfig)+1)
	maps.Copy(cfg, item.ClusterConfig)
	if _, ok := cfg["job_id"]; !ok {
		cfg["job_id"] = item.JobID
	}
	item.ClusterConfig = cfg
	return o.worker.Enqueue(ctx, item)
}

// StartManagedRun spawns a supervised process.
func (o *Orchestrator) StartManagedRun(ctx context.Context, spec runregistry.ManagedRunSpec) (runregistry.RunRecord, error) {
	return o.executor.StartManagedRun(ctx, spec)
}

// GetProfilerRun returns the normalized record for runID.
func (o *Orchestrator) GetProfilerRun(runID string) (runregistry.RunRecord, bool) {
	return o.runs.GetRun(runID)
}

// MarkManagedRunFinished records a supervisor-reported exit code for runID.
func (o *Orchestrator) MarkManagedRunFinished(runID string, returnCode int) (runregistry.RunRecord, bool) {
	return o.runs.MarkManagedRunFinished(runID, returnCode)
}

// StopRun sends SIGTERM to a live run.
func (o *Orchestrator) StopRun(runID string) (bool, error) {
	return o.runs.StopRun(runID)
}

// StopJob tears down the job's cluster when its provider supports it, then
// marks the job STOPPED. It reports false when the job does not exist.
func (o *Orchestrator) StopJob(ctx context.Context, jobID string, experimentID string) (bool, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil || job == nil {
		return false, err
	}
	if job.Status.Terminal() {
		return true, nil
	}
	if id, cluster := job.Data.ProviderID, job.Data.ClusterName; id != "" && cluster != "" {
		p, err := o.providers.Resolve(id)
		if err != nil {
			return true, err
		}
		err = provider.StopCluster(ctx, p, cluster)
		switch {
		case err == nil, errors.Is(err, provider.ErrUnsupported), provider.IsClusterNotFound(err):
		default:
			return true, fmt.Errorf("stop cluster %s: %w", cluster, err)
		}
	}
	return true, o.jobs.UpdateStatus(ctx, jobID, jobs.StatusStopped, experimentID, "")
}

// onRunFinished propagates a finished run's exit code to its job.
func (o *Orchestrator) onRunFinished(rec runregistry.RunRecord) {
	if rec.AssociatedJobID == "" || rec.ReturnCode == nil {
		return
	}
	ctx := context.Background()
	log := o.logger.With(zap.String("run_id", rec.RunID), zap.String("job_id", rec.AssociatedJobID))

	job, err := o.jobs.Get(ctx, rec.AssociatedJobID)
	if err != nil {
		log.Error("Failed to load job for finished run", zap.Error(err))
		return
	}
	if job == nil {
		return
	}
	next := reconcile.JobFromReturnCode(job.Status, *rec.ReturnCode)
	if next == job.Status || !jobs.CanTransition(job.Status, next) {
		return
	}
	msg := ""
	if next == jobs.StatusFailed {
		msg = fmt.Sprintf("process exited with code %d", *rec.ReturnCode)
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, next, job.ExperimentID, msg); err != nil {
		log.Warn("Failed to apply run exit to job", zap.Error(err))
		return
	}
	o.metrics.Reconciled(string(next))
}

// dispatchNode queues a launch for workflow nodes that name a provider.
// Other node jobs stay QUEUED for an external executor.
//
// The enqueue runs on its own goroutine: it publishes the WAITING transition,
// and the dispatcher is called from the engine goroutine that consumes it.
func (o *Orchestrator) dispatchNode(ctx context.Context, jobID string, experimentID string, node workflow.Node) error {
	if node.Provider == "" {
		return nil
	}
	cluster := node.Cluster
	if cluster == "" {
		cluster = fmt.Sprintf("%s-%s", node.ID, shortID(jobID))
	}
	cfg := make(map[string]any, len(node.ClusterConfig)+1)
	maps.Copy(cfg, node.ClusterConfig)
	if _, ok := cfg["command"]; !ok && node.Command != "" {
		cfg["command"] = node.Command
	}
	item := launch.Item{
		JobID:         jobID,
		ExperimentID:  experimentID,
		ProviderID:    node.Provider,
		ClusterName:   cluster,
		ClusterConfig: cfg,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.EnqueueLocalLaunch(context.WithoutCancel(ctx), item); err != nil {
			o.logger.Error("Failed to enqueue workflow launch",
				zap.String("job_id", jobID),
				zap.String("node_id", node.ID),
				zap.String("provider_id", node.Provider),
				zap.Error(err))
		}
	}()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Snapshot is a point-in-time view of orchestrator state.
type Snapshot struct {
	Jobs          map[jobs.Status]int `json:"jobs"`
	QueueDepth    int                 `json:"launch_queue_depth"`
	WorkerRunning bool                `json:"launch_worker_running"`
	Providers     []string            `json:"providers"`
	Runs          int                 `json:"runs"`
	QuotaUsed     float64             `json:"quota_used"`
}

// Snapshot counts jobs by status and reports component state.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := o.jobs.CountByStatus(ctx, "")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Jobs:          counts,
		QueueDepth:    o.worker.QueueDepth(),
		WorkerRunning: o.worker.Running(),
		Providers:     o.providers.IDs(),
		Runs:          o.runs.Len(),
		QuotaUsed:     o.quota.Used(),
	}, nil
}
