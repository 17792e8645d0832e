// Package reconcile maps externally observed termination signals onto the
// canonical status vocabularies of runs and jobs.
//
// The same rules serve the push path (a supervisor reporting an exit code)
// and the pull path (a status read that polls a live handle or a provider).
package reconcile

import (
	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/provider"
)

// SIGTERMCode is the return code of a process terminated by SIGTERM.
// Signalled processes report the negated signal number.
const SIGTERMCode = -15

// RunStatus is the lifecycle vocabulary of profiler and managed runs.
//
// NOTE: These values are persisted in run.json.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// RunFromReturnCode normalizes a run status given an observed return code.
//
// SIGTERM always yields stopped, whatever was recorded before, including
// failed. Zero yields completed. Any other code yields failed unless the run
// is already stopped. Reapplying a rule to its own result is a no-op.
func RunFromReturnCode(prev RunStatus, code int) RunStatus {
	switch {
	case code == SIGTERMCode:
		return RunStopped
	case code == 0:
		return RunCompleted
	case prev == RunStopped:
		return RunStopped
	default:
		return RunFailed
	}
}

// JobFromReturnCode is RunFromReturnCode over the job vocabulary.
func JobFromReturnCode(prev jobs.Status, code int) jobs.Status {
	switch {
	case code == SIGTERMCode:
		return jobs.StatusStopped
	case code == 0:
		return jobs.StatusComplete
	case prev == jobs.StatusStopped:
		return jobs.StatusStopped
	default:
		return jobs.StatusFailed
	}
}

// JobFromCluster derives a job status from a provider cluster report. It
// returns false when the report does not change the job, such as a cluster
// that is still starting or a state the provider cannot determine.
func JobFromCluster(prev jobs.Status, st provider.ClusterStatus) (jobs.Status, bool) {
	if prev == jobs.StatusDeleted {
		return prev, false
	}
	if st.ReturnCode != nil {
		next := JobFromReturnCode(prev, *st.ReturnCode)
		if next == prev || !jobs.CanTransition(prev, next) {
			return prev, false
		}
		return next, true
	}

	var next jobs.Status
	switch st.State {
	case provider.ClusterRunning:
		// INTERACTIVE is a more specific form of running.
		if prev == jobs.StatusInteractive || prev == jobs.StatusRunning {
			return prev, false
		}
		next = jobs.StatusRunning
	case provider.ClusterSucceeded:
		next = jobs.StatusComplete
	case provider.ClusterFailed:
		if prev == jobs.StatusStopped {
			return prev, false
		}
		next = jobs.StatusFailed
	case provider.ClusterStopped:
		next = jobs.StatusStopped
	default:
		return prev, false
	}
	if next == prev || !jobs.CanTransition(prev, next) {
		return prev, false
	}
	return next, true
}
