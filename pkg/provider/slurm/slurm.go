// Package slurm launches clusters as SLURM batch jobs.
//
// The cluster name is used as the SLURM job name, so status and cancellation
// look the job up by name and the provider keeps no state of its own.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/provider"
)

// CommandRunner executes a SLURM client binary and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on this host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Options are the provider-level settings of a SLURM provider definition.
type Options struct {
	Partition string   `mapstructure:"partition"`
	Account   string   `mapstructure:"account"`
	ExtraArgs []string `mapstructure:"extra_args"`

	SbatchPath  string `mapstructure:"sbatch_path"`
	SacctPath   string `mapstructure:"sacct_path"`
	ScancelPath string `mapstructure:"scancel_path"`

	// CommandTimeout bounds each client invocation. Zero means no bound.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

func (o *Options) defaults() {
	if o.SbatchPath == "" {
		o.SbatchPath = "sbatch"
	}
	if o.SacctPath == "" {
		o.SacctPath = "sacct"
	}
	if o.ScancelPath == "" {
		o.ScancelPath = "scancel"
	}
}

// LaunchConfig is the cluster config a SLURM launch understands.
type LaunchConfig struct {
	Command   string `mapstructure:"command"`
	Partition string `mapstructure:"partition"`
	Nodes     int    `mapstructure:"nodes"`
	GPUs      int    `mapstructure:"gpus"`
	Time      string `mapstructure:"time"`
	WorkDir   string `mapstructure:"workdir"`
}

// Provider submits and inspects SLURM jobs.
type Provider struct {
	id     string
	opts   Options
	runner CommandRunner
	logger *zap.Logger
}

// New creates a SLURM provider. A nil runner uses ExecRunner.
func New(id string, opts Options, runner CommandRunner, logger *zap.Logger) *Provider {
	opts.defaults()
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{id: id, opts: opts, runner: runner, logger: logger}
}

// Factory builds SLURM providers using runner for client commands.
func Factory(runner CommandRunner) provider.Factory {
	return func(def provider.Definition, logger *zap.Logger) (provider.Provider, error) {
		var opts Options
		if err := provider.DecodeOptions(def.Options, &opts); err != nil {
			return nil, err
		}
		return New(def.ID, opts, runner, logger), nil
	}
}

func (p *Provider) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CommandTimeout)
		defer cancel()
	}
	return p.runner.Run(ctx, name, args...)
}

// LaunchCluster submits config["command"] with sbatch --wrap.
func (p *Provider) LaunchCluster(ctx context.Context, clusterName string, config map[string]any) (map[string]any, error) {
	var cfg LaunchConfig
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName, err)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName,
			fmt.Errorf("%w: command is required", provider.ErrInvalidConfig))
	}

	args := []string{"--parsable", "--job-name=" + clusterName}
	partition := cfg.Partition
	if partition == "" {
		partition = p.opts.Partition
	}
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	if p.opts.Account != "" {
		args = append(args, "--account="+p.opts.Account)
	}
	if cfg.Nodes > 0 {
		args = append(args, "--nodes="+strconv.Itoa(cfg.Nodes))
	}
	if cfg.GPUs > 0 {
		args = append(args, "--gres=gpu:"+strconv.Itoa(cfg.GPUs))
	}
	if cfg.Time != "" {
		args = append(args, "--time="+cfg.Time)
	}
	if cfg.WorkDir != "" {
		args = append(args, "--chdir="+cfg.WorkDir)
	}
	args = append(args, p.opts.ExtraArgs...)
	args = append(args, "--wrap="+cfg.Command)

	out, err := p.run(ctx, p.opts.SbatchPath, args...)
	if err != nil {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName, fmt.Errorf("%w: %v", provider.ErrLaunchRejected, err))
	}
	// --parsable prints "jobid" or "jobid;cluster".
	jobID := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), ";", 2)[0])
	if jobID == "" {
		return nil, provider.Wrap("LaunchCluster", p.id, clusterName,
			fmt.Errorf("%w: sbatch returned no job id", provider.ErrLaunchRejected))
	}

	p.logger.Info("SLURM job submitted", zap.String("cluster", clusterName), zap.String("slurm_job_id", jobID))
	return map[string]any{
		provider.RequestIDKey: jobID,
		"slurm_job_id":        jobID,
		"partition":           partition,
	}, nil
}

// ClusterStatus reads the newest job named clusterName from sacct.
func (p *Provider) ClusterStatus(ctx context.Context, clusterName string) (provider.ClusterStatus, error) {
	out, err := p.run(ctx, p.opts.SacctPath,
		"--name="+clusterName, "--allocations", "--noheader", "--parsable2",
		"--format=JobID,State,ExitCode")
	if err != nil {
		return provider.ClusterStatus{}, provider.Wrap("ClusterStatus", p.id, clusterName,
			fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err))
	}

	var last string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			last = line
		}
	}
	if last == "" {
		return provider.ClusterStatus{}, provider.Wrap("ClusterStatus", p.id, clusterName, provider.ErrClusterNotFound)
	}
	return parseSacctLine(clusterName, last)
}

// StopCluster cancels every job named clusterName.
func (p *Provider) StopCluster(ctx context.Context, clusterName string) error {
	if _, err := p.run(ctx, p.opts.ScancelPath, "--name="+clusterName); err != nil {
		return provider.Wrap("StopCluster", p.id, clusterName, err)
	}
	return nil
}

// parseSacctLine decodes "JobID|State|ExitCode" where ExitCode is "exit:signal".
func parseSacctLine(clusterName, line string) (provider.ClusterStatus, error) {
	fields := strings.Split(line, "|")
	if len(fields) < 3 {
		return provider.ClusterStatus{}, fmt.Errorf("unexpected sacct output %q", line)
	}
	// States may carry a suffix such as "CANCELLED by 1000".
	state := strings.Fields(fields[1])
	raw := ""
	if len(state) > 0 {
		raw = strings.TrimSuffix(state[0], "+")
	}

	st := provider.ClusterStatus{
		Name:       clusterName,
		Message:    "slurm job " + fields[0] + " " + strings.TrimSpace(fields[1]),
		ObservedAt: time.Now().UTC(),
	}
	terminal := true
	switch raw {
	case "PENDING", "REQUEUED", "RESIZING", "SUSPENDED":
		st.State, terminal = provider.ClusterPending, false
	case "RUNNING", "CONFIGURING", "COMPLETING", "STAGE_OUT":
		st.State, terminal = provider.ClusterRunning, false
	case "COMPLETED":
		st.State = provider.ClusterSucceeded
	case "CANCELLED", "PREEMPTED":
		st.State = provider.ClusterStopped
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE":
		st.State = provider.ClusterFailed
	default:
		st.State, terminal = provider.ClusterUnknown, false
	}

	if terminal {
		if code, ok := parseExitCode(fields[2]); ok {
			st.ReturnCode = &code
		}
	}
	return st, nil
}

func parseExitCode(raw string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	exit, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	if len(parts) == 2 {
		if sig, err := strconv.Atoi(parts[1]); err == nil && sig > 0 {
			return -sig, true
		}
	}
	return exit, true
}
