// Package runregistry tracks profiler and managed runs: short-lived processes
// whose outcome is reported either by their supervisor or by polling a live
// process handle.
package runregistry

import (
	"errors"
	"time"

	"github.com/3leaps/orchestra/pkg/reconcile"
)

// Status is the lifecycle state of a run.
type Status = reconcile.RunStatus

const (
	StatusRunning   = reconcile.RunRunning
	StatusCompleted = reconcile.RunCompleted
	StatusFailed    = reconcile.RunFailed
	StatusStopped   = reconcile.RunStopped
)

// Source records who started a run.
type Source string

const (
	SourceManual          Source = "manual"
	SourceManaged         Source = "managed"
	SourceInferenceWorker Source = "inference_worker"
)

var (
	// ErrRegistryFull is returned when every slot holds a live run.
	ErrRegistryFull = errors.New("run registry is full")

	// ErrRunExists is returned when registering a duplicate run id.
	ErrRunExists = errors.New("run already registered")

	// ErrNoHandle is returned when an operation needs a live process and the run has none.
	ErrNoHandle = errors.New("run has no live process handle")
)

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID           string `json:"run_id"`
	ProfilerID      string `json:"profiler_id,omitempty"`
	Status          Status `json:"status"`
	Command         string `json:"command,omitempty"`
	ReturnCode      *int   `json:"return_code,omitempty"`
	PID             int    `json:"pid,omitempty"`
	Source          Source `json:"source"`
	AssociatedJobID string `json:"associated_job_id,omitempty"`
	ClusterName     string `json:"cluster_name,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}

func (r RunRecord) clone() RunRecord {
	out := r
	if r.ReturnCode != nil {
		rc := *r.ReturnCode
		out.ReturnCode = &rc
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
