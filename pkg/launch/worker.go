// Package launch serializes provider cluster launches behind one worker.
//
// Callers enqueue a work item and return immediately; the job sits in WAITING
// until the worker picks the item up. The worker moves the job to the item's
// in-flight status, takes the global launch lock, and calls the provider.
// Completion is detected later by the status reconciler.
package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/metrics"
	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/quota"
)

// DefaultQueueSize is the launch queue capacity when Config.QueueSize is unset.
const DefaultQueueSize = 256

var (
	// ErrQueueFull is returned by Enqueue when the queue has no free slot.
	// The job is failed and its quota hold released.
	ErrQueueFull = errors.New("launch queue full")

	// ErrWorkerStopped is returned by Enqueue when the worker is not running.
	ErrWorkerStopped = errors.New("launch worker not running")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("launch worker already started")

	// ErrLaunchTimeout marks a launch abandoned after Config.Timeout.
	ErrLaunchTimeout = errors.New("launch timed out")

	// ErrLaunchPanic marks a provider that panicked during launch.
	ErrLaunchPanic = errors.New("provider panicked during launch")
)

// Item is one queued launch.
type Item struct {
	JobID         string
	ExperimentID  string
	ProviderID    string
	ClusterName   string
	ClusterConfig map[string]any
	QuotaHoldID   string

	// InitialStatus is the in-flight status the job takes when the worker
	// dequeues it. LAUNCHING when empty.
	InitialStatus jobs.Status
}

// Jobs is the subset of the job store the worker uses.
type Jobs interface {
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, f jobs.Filter) ([]jobs.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, experimentID string, errorMsg string) error
	UpdateStatusWithData(ctx context.Context, jobID string, status jobs.Status, experimentID string, patch jobs.JobData) error
	MergeJobData(ctx context.Context, jobID string, patch jobs.JobData, experimentID string) error
}

// Config tunes the worker.
type Config struct {
	// QueueSize bounds the number of waiting items.
	QueueSize int

	// Timeout bounds one provider call. Zero waits as long as the provider takes.
	Timeout time.Duration

	// RateLimit caps launches per second. Zero is unlimited.
	RateLimit float64

	// Burst is the limiter burst. Defaults to 1.
	Burst int
}

// Worker is the single launch consumer.
type Worker struct {
	jobs      Jobs
	providers provider.Resolver
	quota     quota.Releaser
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	queue   chan Item
	limiter *rate.Limiter

	// launchMu is held for the duration of every provider call.
	launchMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithQuota releases holds through r when a launch fails.
func WithQuota(r quota.Releaser) Option {
	return func(w *Worker) { w.quota = r }
}

// WithLogger sets the worker logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records launch outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker creates a stopped worker.
func NewWorker(j Jobs, providers provider.Resolver, cfg Config, opts ...Option) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	w := &Worker{
		jobs:      j,
		providers: providers,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		queue:     make(chan Item, cfg.QueueSize),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker goroutine. The worker runs until Stop is called
// or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	return nil
}

// Stop stops the worker and waits for an in-flight launch to return.
// Items still queued stay WAITING and are picked up by RecoverOrphans on the
// next start.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
}

// Running reports whether the worker goroutine is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// QueueDepth is the number of items waiting for the worker.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Enqueue records the launch request on the job, moves it to WAITING, and
// queues it. It never blocks on the worker.
//
// It returns false when the job does not exist. Whenever the item is not
// queued, its quota hold is released.
func (w *Worker) Enqueue(ctx context.Context, item Item) (queued bool, err error) {
	defer func() {
		if !queued || err != nil {
			w.releaseHold(ctx, item)
		}
	}()

	if item.JobID == "" {
		return false, errors.New("job id is required")
	}
	if item.ProviderID == "" {
		return false, errors.New("provider id is required")
	}
	if item.InitialStatus == "" {
		item.InitialStatus = jobs.StatusLaunching
	}
	if !item.InitialStatus.InFlight() {
		return false, fmt.Errorf("%w: initial status must be in flight, got %s", jobs.ErrInvalidStatus, item.InitialStatus)
	}
	if !w.Running() {
		return false, ErrWorkerStopped
	}

	job, err := w.jobs.Get(ctx, item.JobID)
	if err != nil {
		return false, err
	}
	if job == nil || (item.ExperimentID != "" && job.ExperimentID != item.ExperimentID) {
		w.logger.Warn("Launch requested for unknown job", zap.String("job_id", item.JobID))
		return false, nil
	}
	if item.ExperimentID == "" {
		item.ExperimentID = job.ExperimentID
	}
	if !jobs.CanTransition(job.Status, jobs.StatusWaiting) {
		return false, fmt.Errorf("%w: cannot launch job in %s", jobs.ErrInvalidTransition, job.Status)
	}

	patch := jobs.JobData{
		LaunchRequest: &jobs.LaunchRequest{
			ProviderID:    item.ProviderID,
			ClusterName:   item.ClusterName,
			ClusterConfig: item.ClusterConfig,
			QuotaHoldID:   item.QuotaHoldID,
			InitialStatus: item.InitialStatus,
			EnqueuedAt:    w.now().UTC(),
		},
		ProviderID:  item.ProviderID,
		ClusterName: item.ClusterName,
	}
	err = w.jobs.UpdateStatusWithData(ctx, item.JobID, jobs.StatusWaiting, item.ExperimentID, patch)
	switch {
	case errors.Is(err, jobs.ErrPublish):
		w.logger.Warn("Job marked waiting but status event not delivered",
			zap.String("job_id", item.JobID), zap.Error(err))
	case err != nil:
		return false, fmt.Errorf("mark job waiting: %w", err)
	}

	if !w.offer(item) {
		w.metrics.LaunchFinished(metrics.OutcomeQueueFull, 0)
		w.fail(ctx, item, ErrQueueFull.Error())
		return true, ErrQueueFull
	}
	w.metrics.SetQueueDepth(len(w.queue))
	w.logger.Debug("Launch queued",
		zap.String("job_id", item.JobID),
		zap.String("provider_id", item.ProviderID),
		zap.String("cluster", item.ClusterName),
	)
	return true, nil
}

func (w *Worker) offer(item Item) bool {
	select {
	case w.queue <- item:
		return true
	default:
		return false
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.logger.Info("Launch worker started", zap.Int("queue_size", w.cfg.QueueSize))
	for {
		if ctx.Err() != nil {
			w.logger.Info("Launch worker stopped", zap.Int("pending", len(w.queue)))
			return
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Launch worker stopped", zap.Int("pending", len(w.queue)))
			return
		case item := <-w.queue:
			w.metrics.SetQueueDepth(len(w.queue))
			w.process(ctx, item)
		}
	}
}

// process handles one item. Any failure ends in the job being FAILED; the
// loop itself never returns an error.
func (w *Worker) process(loopCtx context.Context, item Item) {
	// Database writes and the provider call finish even when Stop is called mid-item.
	ctx := context.WithoutCancel(loopCtx)
	start := w.now()
	log := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("provider_id", item.ProviderID),
		zap.String("cluster", item.ClusterName),
	)

	p, err := w.providers.Resolve(item.ProviderID)
	if err != nil {
		log.Warn("Launch provider not found", zap.Error(err))
		w.metrics.LaunchFinished(metrics.OutcomeProviderNotFound, w.now().Sub(start))
		w.releaseHold(ctx, item)
		w.fail(ctx, item, fmt.Sprintf("provider %q not found: %v", item.ProviderID, err))
		return
	}

	if err := w.jobs.UpdateStatus(ctx, item.JobID, item.InitialStatus, item.ExperimentID, ""); err != nil {
		// The job was stopped or deleted while it waited.
		log.Info("Job left WAITING before launch; skipping", zap.Error(err))
		w.releaseHold(ctx, item)
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(loopCtx); err != nil {
			log.Info("Launch abandoned during shutdown", zap.Error(err))
			w.releaseHold(ctx, item)
			w.fail(ctx, item, "launch worker stopped before launch: "+err.Error())
			return
		}
	}

	res, err := w.launch(ctx, p, item)
	took := w.now().Sub(start)
	if err != nil {
		outcome := metrics.OutcomeFailed
		switch {
		case errors.Is(err, ErrLaunchTimeout):
			outcome = metrics.OutcomeTimeout
		case errors.Is(err, ErrLaunchPanic):
			outcome = metrics.OutcomePanic
		}
		log.Error("Cluster launch failed", zap.Error(err), zap.Duration("took", took))
		w.metrics.LaunchFinished(outcome, took)
		w.releaseHold(ctx, item)
		w.fail(ctx, item, err.Error())
		return
	}

	patch := jobs.JobData{ProviderLaunchResult: res}
	if rid, ok := res[provider.RequestIDKey]; ok && rid != nil {
		patch.OrchestratorRequestID = fmt.Sprint(rid)
	}
	if err := w.jobs.MergeJobData(ctx, item.JobID, patch, item.ExperimentID); err != nil {
		log.Error("Failed to record launch result", zap.Error(err))
	}
	w.metrics.LaunchFinished(metrics.OutcomeSuccess, took)
	log.Info("Cluster launched", zap.Duration("took", took))
}

type launchResult struct {
	res map[string]any
	err error
}

// launch calls the provider under the global launch lock.
//
// The lock is released by the goroutine making the call, so a call that
// outlives Config.Timeout still blocks the next launch until it returns.
func (w *Worker) launch(ctx context.Context, p provider.Provider, item Item) (map[string]any, error) {
	w.launchMu.Lock()
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	ch := make(chan launchResult, 1)
	go func() {
		defer w.launchMu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				ch <- launchResult{err: fmt.Errorf("%w: %v", ErrLaunchPanic, r)}
			}
		}()
		res, err := p.LaunchCluster(ctx, item.ClusterName, item.ClusterConfig)
		ch <- launchResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.res == nil {
			r.res = map[string]any{}
		}
		return r.res, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s: %v", ErrLaunchTimeout, w.cfg.Timeout, ctx.Err())
	}
}

func (w *Worker) fail(ctx context.Context, item Item, msg string) {
	if err := w.jobs.UpdateStatus(ctx, item.JobID, jobs.StatusFailed, item.ExperimentID, msg); err != nil {
		w.logger.Error("Failed to mark job failed",
			zap.String("job_id", item.JobID),
			zap.String("error_msg", msg),
			zap.Error(err),
		)
	}
}

func (w *Worker) releaseHold(ctx context.Context, item Item) {
	if item.QuotaHoldID == "" || w.quota == nil {
		return
	}
	if err := w.quota.ReleaseHold(ctx, item.QuotaHoldID); err != nil {
		w.logger.Warn("Failed to release quota hold",
			zap.String("job_id", item.JobID),
			zap.String("hold_id", item.QuotaHoldID),
			zap.Error(err),
		)
	}
}
