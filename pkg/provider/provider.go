// Package provider defines the compute backend abstraction used for cluster
// launches.
//
// Providers expose a deliberately small surface: launch a named cluster from
// an opaque provider-specific config, and report that cluster's status.
// LaunchCluster may block for as long as the backend needs; callers bound it
// with ctx when they want a timeout.
package provider

import (
	"context"
	"time"
)

// Provider is a compute backend.
//
// Implementations should:
//   - Treat config as opaque provider-specific input
//   - Return a JSON-serializable launch result, including "request_id" when the backend issues one
//   - Be safe for concurrent ClusterStatus calls
type Provider interface {
	// LaunchCluster starts a cluster and returns the backend's launch result.
	LaunchCluster(ctx context.Context, clusterName string, config map[string]any) (map[string]any, error)

	// ClusterStatus reports the current state of a cluster.
	// Returns ErrClusterNotFound if the backend does not know the cluster.
	ClusterStatus(ctx context.Context, clusterName string) (ClusterStatus, error)
}

// ClusterState is the coarse state of a cluster as reported by a provider.
type ClusterState string

const (
	ClusterPending   ClusterState = "pending"
	ClusterRunning   ClusterState = "running"
	ClusterSucceeded ClusterState = "succeeded"
	ClusterFailed    ClusterState = "failed"
	ClusterStopped   ClusterState = "stopped"
	ClusterUnknown   ClusterState = "unknown"
)

// ClusterStatus is one status observation.
type ClusterStatus struct {
	// Name is the cluster name.
	Name string

	// State is the provider's coarse state.
	State ClusterState

	// ReturnCode is the exit code of the cluster's workload, when it has
	// exited and the backend knows it. Signalled processes report -signal.
	ReturnCode *int

	// Message is free-form detail from the backend.
	Message string

	// ObservedAt is when the status was read.
	ObservedAt time.Time
}

// Type identifies a provider implementation.
type Type string

const (
	// TypeLocal runs clusters as local subprocesses.
	TypeLocal Type = "local"

	// TypeSlurm submits clusters as SLURM batch jobs.
	TypeSlurm Type = "slurm"

	// TypeRemote drives a remote orchestrator over HTTP.
	TypeRemote Type = "remote"
)

// String returns the string representation of the provider type.
func (t Type) String() string {
	return string(t)
}

// RequestIDKey is the launch result key carrying a backend request id.
const RequestIDKey = "request_id"

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
