package runregistry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ManagedRunSpec describes a process to supervise.
//
// With no Args, Command is run through /bin/sh -c. Otherwise Command is the
// executable and Args its arguments.
type ManagedRunSpec struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string
	ProfilerID  string
	JobID       string
	ClusterName string
	Source      Source
}

// Executor spawns and supervises managed runs, capturing stdout/stderr to
// per-run log files.
type Executor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewExecutor creates an executor that registers runs in reg. reg must have a
// store for log files.
func NewExecutor(reg *Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: reg, logger: logger}
}

// StartManagedRun spawns the process and returns once it has started.
//
// When the process exits its return code is pushed through
// MarkManagedRunFinished; it is also visible to lazy GetRun polls before
// that push lands.
func (e *Executor) StartManagedRun(ctx context.Context, spec ManagedRunSpec) (RunRecord, error) {
	if e == nil || e.registry == nil {
		return RunRecord{}, fmt.Errorf("executor is not initialized")
	}
	store := e.registry.Store()
	if store == nil {
		return RunRecord{}, fmt.Errorf("managed runs require a run store")
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return RunRecord{}, fmt.Errorf("command is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return RunRecord{}, err
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(store.RunDir(runID), 0755); err != nil {
		return RunRecord{}, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(store.StdoutPath(runID))
	if err != nil {
		return RunRecord{}, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(store.StderrPath(runID))
	if err != nil {
		_ = stdoutFile.Close()
		return RunRecord{}, fmt.Errorf("create stderr log: %w", err)
	}

	var cmd *exec.Cmd
	display := command
	if len(spec.Args) == 0 {
		cmd = exec.Command("/bin/sh", "-c", command)
	} else {
		cmd = exec.Command(command, spec.Args...)
		display = strings.Join(append([]string{command}, spec.Args...), " ")
	}
	cmd.Dir = spec.Dir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), spec.Env...)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return RunRecord{}, fmt.Errorf("start managed run: %w", err)
	}
	// The child holds its own descriptors from here on.
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	source := spec.Source
	if source == "" {
		source = SourceManaged
	}
	rec := RunRecord{
		RunID:           runID,
		ProfilerID:      spec.ProfilerID,
		Status:          StatusRunning,
		Command:         display,
		PID:             cmd.Process.Pid,
		Source:          source,
		AssociatedJobID: spec.JobID,
		ClusterName:     spec.ClusterName,
		StdoutPath:      store.StdoutPath(runID),
		StderrPath:      store.StderrPath(runID),
	}

	// Registration must land before the reaper pushes the exit code.
	registered := make(chan struct{})
	h := newCmdHandle(cmd, func(code int) {
		<-registered
		e.registry.MarkManagedRunFinished(runID, code)
	})

	out, err := e.registry.Register(rec, h)
	close(registered)
	if err != nil {
		_ = cmd.Process.Kill()
		return RunRecord{}, err
	}

	e.logger.Info("Managed run started",
		zap.String("run_id", runID),
		zap.Int("pid", out.PID),
		zap.String("job_id", spec.JobID))
	return out, nil
}
