// Package orchestrator wires the job store, workflow engine, launch worker,
// status poller, and run registry into one process-level component.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/events"
	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/launch"
	"github.com/3leaps/orchestra/pkg/metrics"
	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/provider/local"
	"github.com/3leaps/orchestra/pkg/provider/remote"
	"github.com/3leaps/orchestra/pkg/provider/slurm"
	"github.com/3leaps/orchestra/pkg/quota"
	"github.com/3leaps/orchestra/pkg/reconcile"
	"github.com/3leaps/orchestra/pkg/runregistry"
	"github.com/3leaps/orchestra/pkg/store"
	"github.com/3leaps/orchestra/pkg/workflow"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("orchestrator already started")

// Config collects the settings of every component.
type Config struct {
	Store store.Config

	// EventBuffer is the per-subscriber event bus buffer.
	EventBuffer int

	Launch launch.Config

	// RecoverOnStart re-enqueues WAITING jobs left by a previous process.
	RecoverOnStart bool

	// PollInterval is the cluster status sweep period.
	PollInterval time.Duration

	// SweepInterval periodically starts QUEUED workflow runs. Zero disables it.
	SweepInterval time.Duration

	// RunsDir holds run.json records and managed run logs. Managed runs are
	// unavailable when empty.
	RunsDir string
	MaxRuns int

	// QuotaCapacity bounds the quota ledger. Zero or less is unlimited.
	QuotaCapacity float64

	// ProvidersFile is a YAML file of provider definitions, loaded before
	// Providers.
	ProvidersFile string
	Providers     []provider.Definition
}

// Orchestrator owns component lifecycle and exposes the core operations.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db     *sql.DB
	ownsDB bool

	bus       *events.Bus[jobs.StatusEvent]
	jobs      *jobs.Store
	workflows *workflow.Store
	runner    *workflow.Runner
	engine    *workflow.Engine
	worker    *launch.Worker
	poller    *reconcile.Poller
	providers *provider.Registry
	runs      *runregistry.Registry
	executor  *runregistry.Executor
	quota     *quota.MemoryLedger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     *events.Subscription[jobs.StatusEvent]
	wg      sync.WaitGroup
}

type options struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	db          *sql.DB
	static      map[string]provider.Provider
	slurmRunner slurm.CommandRunner
	httpClient  *http.Client
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records component metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDB uses an open database instead of opening Config.Store. The caller
// keeps ownership and closes it.
func WithDB(db *sql.DB) Option {
	return func(o *options) { o.db = db }
}

// WithProvider registers a prebuilt provider under id.
func WithProvider(id string, p provider.Provider) Option {
	return func(o *options) {
		if o.static == nil {
			o.static = make(map[string]provider.Provider)
		}
		o.static[id] = p
	}
}

// WithSlurmRunner runs SLURM client commands through r.
func WithSlurmRunner(r slurm.CommandRunner) Option {
	return func(o *options) { o.slurmRunner = r }
}

// WithHTTPClient is used by remote providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg Config, opts ...Option) (*Orchestrator, error) {
	var op options
	for _, opt := range opts {
		opt(&op)
	}
	logger := op.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{cfg: cfg, logger: logger, metrics: op.metrics}

	if op.db != nil {
		if err := store.Migrate(ctx, op.db); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		o.db = op.db
	} else {
		db, err := store.OpenMigrated(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		o.db, o.ownsDB = db, true
	}

	o.bus = events.NewBus[jobs.StatusEvent](cfg.EventBuffer)
	o.jobs = jobs.NewStore(o.db,
		jobs.WithPublisher(o.bus),
		jobs.WithLogger(logger.Named("jobs")))
	o.workflows = workflow.NewStore(o.db, workflow.WithLogger(logger.Named("workflow")))
	o.quota = quota.NewMemoryLedger(cfg.QuotaCapacity)

	regOpts := []runregistry.Option{
		runregistry.WithMaxRuns(cfg.MaxRuns),
		runregistry.WithLogger(logger.Named("runs")),
		runregistry.WithFinishHook(o.onRunFinished),
	}
	if cfg.RunsDir != "" {
		regOpts = append(regOpts, runregistry.WithStore(runregistry.NewStore(cfg.RunsDir)))
	}
	o.runs = runregistry.New(regOpts...)
	if err := o.runs.Init(); err != nil {
		o.closeDB()
		return nil, err
	}
	o.executor = runregistry.NewExecutor(o.runs, logger.Named("executor"))

	o.providers = provider.NewRegistry(logger.Named("provider"))
	o.providers.RegisterFactory(provider.TypeLocal, local.Factory(o.runs, o.executor))
	o.providers.RegisterFactory(provider.TypeSlurm, slurm.Factory(op.slurmRunner))
	o.providers.RegisterFactory(provider.TypeRemote, remote.Factory(op.httpClient))
	if err := o.loadProviders(); err != nil {
		o.closeDB()
		return nil, err
	}
	for id, p := range op.static {
		o.providers.Set(id, p)
	}

	o.runner = workflow.NewRunner(o.workflows, o.jobs,
		workflow.WithDispatcher(workflow.DispatcherFunc(o.dispatchNode)),
		workflow.WithRunnerLogger(logger.Named("runner")),
		workflow.WithRunnerMetrics(o.metrics))
	o.engine = workflow.NewEngine(o.workflows,
		workflow.WithRunner(o.runner),
		workflow.WithEngineLogger(logger.Named("engine")),
		workflow.WithEngineMetrics(o.metrics),
		workflow.WithSweepInterval(cfg.SweepInterval))
	o.worker = launch.NewWorker(o.jobs, o.providers, cfg.Launch,
		launch.WithQuota(o.quota),
		launch.WithLogger(logger.Named("launch")),
		launch.WithMetrics(o.metrics))
	o.poller = reconcile.NewPoller(o.jobs, o.providers,
		reconcile.WithInterval(cfg.PollInterval),
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithMetrics(o.metrics))

	return o, nil
}

func (o *Orchestrator) loadProviders() error {
	var defs []provider.Definition
	if o.cfg.ProvidersFile != "" {
		fromFile, err := provider.ReadDefinitionsFile(o.cfg.ProvidersFile)
		if err != nil {
			return err
		}
		defs = append(defs, fromFile...)
	}
	defs = append(defs, o.cfg.Providers...)
	return o.providers.Load(defs)
}

// ReloadProviders re-reads provider definitions. Launches already queued
// resolve against the new definitions.
func (o *Orchestrator) ReloadProviders() error {
	return o.loadProviders()
}

// Start runs the launch worker, workflow engine, and status poller until ctx
// is done or Close is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := o.worker.Start(runCtx); err != nil {
		cancel()
		return err
	}
	o.sub = o.bus.Subscribe()
	o.cancel = cancel
	o.started = true

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		if err := o.engine.Run(runCtx, o.sub.C()); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("Workflow engine stopped", zap.Error(err))
		}
	}()
	go func() {
		defer o.wg.Done()
		_ = o.poller.Run(runCtx)
	}()

	if n, err := o.jobs.RepublishPending(runCtx); err != nil {
		o.logger.Error("Redelivering pending status events failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("Redelivered pending status events", zap.Int("count", n))
	}

	if o.cfg.RecoverOnStart {
		if _, err := o.worker.RecoverOrphans(runCtx); err != nil {
			o.logger.Error("Launch recovery failed", zap.Error(err))
		}
	}
	o.logger.Info("Orchestrator started", zap.Strings("providers", o.providers.IDs()))
	return nil
}

// Close stops background components and releases the database when owned.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	started := o.started
	o.started = false
	cancel, sub := o.cancel, o.sub
	o.mu.Unlock()

	if started {
		cancel()
		o.worker.Stop()
		sub.Close()
		o.wg.Wait()
	}
	o.bus.Close()
	return o.closeDB()
}

func (o *Orchestrator) closeDB() error {
	if !o.ownsDB || o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	return err
}

// Jobs returns the job store.
func (o *Orchestrator) Jobs() *jobs.Store { return o.jobs }

// Workflows returns the workflow store.
func (o *Orchestrator) Workflows() *workflow.Store { return o.workflows }

// Providers returns the provider registry.
func (o *Orchestrator) Providers() *provider.Registry { return o.providers }

// Runs returns the run registry.
func (o *Orchestrator) Runs() *runregistry.Registry { return o.runs }

// Quota returns the quota ledger.
func (o *Orchestrator) Quota() quota.Ledger { return o.quota }

// Worker returns the launch worker.
func (o *Orchestrator) Worker() *launch.Worker { return o.worker }

// DB returns the underlying database.
func (o *Orchestrator) DB() *sql.DB { return o.db }

// Subscribe attaches a listener to committed job status changes. The caller
// must drain C() and Close the subscription; a stalled subscriber holds up
// status writers.
func (o *Orchestrator) Subscribe() *events.Subscription[jobs.StatusEvent] {
	return o.bus.Subscribe()
}
