// Package local launches clusters as supervised subprocesses on this host.
//
// Each launch becomes a managed run in the run registry; cluster status is
// read back from that run, so SIGTERM-terminated processes report stopped.
package local

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/provider"
	"github.com/3leaps/orchestra/pkg/runregistry"
)

// Options are the provider-level settings of a local provider definition.
type Options struct {
	// Dir is the default working directory for launched commands.
	Dir string `mapstructure:"dir"`

	// Env is added to every launched command's environment.
	Env map[string]string `mapstructure:"env"`
}

// LaunchConfig is the cluster config a local launch understands.
type LaunchConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Dir        string            `mapstructure:"dir"`
	Env        map[string]string `mapstructure:"env"`
	JobID      string            `mapstructure:"job_id"`
	ProfilerID string            `mapstructure:"profiler_id"`
}

// Provider runs clusters as local processes.
type Provider struct {
	id       string
	opts     Options
	runs     *runregistry.Registry
	executor *runregistry.Executor
	logger   *zap.Logger
}

// New creates a local provider that records launches in runs.
func New(id string, runs *runregistry.Registry, executor *runregistry.Executor, opts Options, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{id: id, opts: opts, runs: runs, executor: executor, logger: logger}
}

// Factory builds local providers sharing one run registry.
func Factory(runs *runregistry.Registry, executor *runregistry.Executor) provider.Factory {
	return func(def provider.Definition, logger *zap.Logger) (provider.Provider, error) {
		var opts Options
		if err := provider.DecodeOptions(def.Options, &opts); err != nil {
			return nil, err
		}
		return New(def.ID, runs, executor, opts, logger), nil
	}
}

// LaunchCluster starts config["command"] and returns once the process is running.
func (p *Provider) LaunchCluster(ctx context.Context, clusterName string, config map[string]any) (map[string]any, error) {
	var cfg LaunchConfig
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName, err)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName,
			fmt.Errorf("%w: command is required", provider.ErrInvalidConfig))
	}
	if existing, ok := p.runs.FindByCluster(clusterName); ok && !existing.Status.Terminal() {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName,
			fmt.Errorf("%w: cluster is already running as run %s", provider.ErrLaunchRejected, existing.RunID))
	}

	dir := cfg.Dir
	if dir == "" {
		dir = p.opts.Dir
	}
	rec, err := p.executor.StartManagedRun(ctx, runregistry.ManagedRunSpec{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Dir:         dir,
		Env:         mergeEnv(p.opts.Env, cfg.Env),
		ProfilerID:  cfg.ProfilerID,
		JobID:       cfg.JobID,
		ClusterName: clusterName,
		Source:      runregistry.SourceManaged,
	})
	if err != nil {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName, err)
	}

	p.logger.Info("Local cluster launched",
		zap.String("cluster", clusterName),
		zap.String("run_id", rec.RunID),
		zap.Int("pid", rec.PID))
	return map[string]any{
		provider.RequestIDKey: rec.RunID,
		"run_id":              rec.RunID,
		"pid":                 rec.PID,
		"stdout_path":         rec.StdoutPath,
		"stderr_path":         rec.StderrPath,
	}, nil
}

// ClusterStatus reports the state of the newest run launched for clusterName.
func (p *Provider) ClusterStatus(_ context.Context, clusterName string) (provider.ClusterStatus, error) {
	rec, ok := p.runs.FindByCluster(clusterName)
	if !ok {
		return provider.ClusterStatus{}, provider.Wrap("ClusterStatus", p.id, clusterName, provider.ErrClusterNotFound)
	}
	st := provider.ClusterStatus{
		Name:       clusterName,
		ReturnCode: rec.ReturnCode,
		Message:    "run " + rec.RunID,
	}
	if rec.ReturnCode != nil {
		st.Message = fmt.Sprintf("run %s exited with code %d", rec.RunID, *rec.ReturnCode)
	}
	switch rec.Status {
	case runregistry.StatusRunning:
		st.State = provider.ClusterRunning
	case runregistry.StatusCompleted:
		st.State = provider.ClusterSucceeded
	case runregistry.StatusFailed:
		st.State = provider.ClusterFailed
	case runregistry.StatusStopped:
		st.State = provider.ClusterStopped
	default:
		st.State = provider.ClusterUnknown
	}
	if rec.EndedAt != nil {
		st.ObservedAt = *rec.EndedAt
	}
	return st, nil
}

// StopCluster sends SIGTERM to the cluster's process.
func (p *Provider) StopCluster(_ context.Context, clusterName string) error {
	rec, ok := p.runs.FindByCluster(clusterName)
	if !ok {
		return provider.Wrap("StopCluster", p.id, clusterName, provider.ErrClusterNotFound)
	}
	if _, err := p.runs.StopRun(rec.RunID); err != nil {
		return provider.Wrap("StopCluster", p.id, clusterName, err)
	}
	return nil
}

func mergeEnv(base, override map[string]string) []string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
