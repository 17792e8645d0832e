package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/metrics"
)

// Engine consumes job status events.
//
// For every job that reaches COMPLETE it queues a run of each live workflow
// in the job's experiment whose triggers match the job type. Workflows with
// malformed config are logged and skipped. With a Runner attached it also
// starts the runs it queues and advances runs whose jobs finish.
//
// Events are handled one at a time, so advancement of a single run is
// strictly sequential.
type Engine struct {
	store         *Store
	runner        *Runner
	logger        *zap.Logger
	metrics       *metrics.Metrics
	sweepInterval time.Duration
	wake          chan struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithRunner lets the engine start and advance runs.
func WithRunner(r *Runner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineMetrics records trigger activity.
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSweepInterval periodically starts QUEUED runs, such as runs queued by
// another process. Zero disables the sweep.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.sweepInterval = d }
}

// NewEngine creates an Engine over s.
func NewEngine(s *Store, opts ...EngineOption) *Engine {
	e := &Engine{store: s, logger: zap.NewNop(), wake: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run handles events until ctx is done or the channel closes.
func (e *Engine) Run(ctx context.Context, events <-chan jobs.StatusEvent) error {
	e.sweep(ctx)

	var tick <-chan time.Time
	if e.sweepInterval > 0 && e.runner != nil {
		t := time.NewTicker(e.sweepInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.HandleEvent(ctx, ev)
		case <-tick:
			e.sweep(ctx)
		case <-e.wake:
			e.sweep(ctx)
		}
	}
}

// Wake asks a running engine to start QUEUED runs now. Runs queued outside
// the engine, such as manual queues, are started this way so that the
// runner is only ever driven from the engine goroutine.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// HandleEvent applies one status event. Failures are logged, never returned,
// so one bad event cannot stop the engine.
func (e *Engine) HandleEvent(ctx context.Context, ev jobs.StatusEvent) {
	if e.runner != nil {
		if err := e.runner.Advance(ctx, ev); err != nil {
			e.logger.Error("Failed to advance workflow run",
				zap.String("run_id", ev.WorkflowRunID),
				zap.String("job_id", ev.JobID),
				zap.Error(err))
		}
	}

	if !ev.Completed() {
		return
	}
	runIDs, err := e.EvaluateTriggers(ctx, ev)
	if err != nil {
		e.logger.Error("Failed to evaluate workflow triggers",
			zap.String("job_id", ev.JobID),
			zap.String("experiment_id", ev.ExperimentID),
			zap.Error(err))
	}
	if e.runner == nil {
		return
	}
	for _, id := range runIDs {
		if err := e.runner.Start(ctx, id); err != nil {
			e.logger.Error("Failed to start workflow run", zap.String("run_id", id), zap.Error(err))
		}
	}
}

// EvaluateTriggers queues a run for every live workflow in the event's
// experiment whose triggers match the job type, and returns the new run ids.
//
// A workflow never triggers itself from a job one of its own runs
// dispatched.
func (e *Engine) EvaluateTriggers(ctx context.Context, ev jobs.StatusEvent) ([]string, error) {
	owner := ""
	if ev.WorkflowRunID != "" {
		run, err := e.store.GetRun(ctx, ev.WorkflowRunID)
		if err != nil {
			return nil, err
		}
		if run != nil {
			owner = run.WorkflowID
		}
	}

	workflows, err := e.store.ListInExperiment(ctx, ev.ExperimentID)
	if err != nil {
		return nil, err
	}

	var runIDs []string
	for _, w := range workflows {
		if w.ID == owner {
			continue
		}
		cfg, err := w.Parsed()
		if err != nil {
			e.metrics.MalformedConfig()
			e.logger.Warn("Skipping workflow with malformed config",
				zap.String("workflow_id", w.ID),
				zap.String("workflow_name", w.Name),
				zap.Error(err))
			continue
		}
		if !cfg.Matches(string(ev.Type)) {
			continue
		}
		run, err := e.store.QueueRun(ctx, w.ID)
		if err != nil {
			e.logger.Error("Failed to queue triggered workflow",
				zap.String("workflow_id", w.ID),
				zap.String("job_id", ev.JobID),
				zap.Error(err))
			continue
		}
		if run == nil {
			continue
		}
		e.metrics.RunQueued(metrics.SourceTrigger)
		e.logger.Info("Workflow triggered",
			zap.String("workflow_id", w.ID),
			zap.String("run_id", run.ID),
			zap.String("job_id", ev.JobID),
			zap.String("job_type", string(ev.Type)))
		runIDs = append(runIDs, run.ID)
	}
	return runIDs, nil
}

func (e *Engine) sweep(ctx context.Context) {
	if e.runner == nil {
		return
	}
	n, err := e.runner.StartQueued(ctx)
	if err != nil {
		e.logger.Error("Failed to sweep queued workflow runs", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Info("Started queued workflow runs", zap.Int("count", n))
	}
}
