package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrProviderNotFound indicates no provider is registered under the requested id.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrClusterNotFound indicates the backend does not know the cluster.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrInvalidConfig indicates the cluster config or provider options are unusable.
	ErrInvalidConfig = errors.New("invalid provider config")

	// ErrProviderUnavailable indicates the backend could not be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrLaunchRejected indicates the backend refused the launch.
	ErrLaunchRejected = errors.New("launch rejected")

	// ErrUnsupported indicates the provider does not implement an optional capability.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "LaunchCluster", "ClusterStatus").
	Op string

	// Provider is the provider id.
	Provider string

	// Cluster is the cluster name, if applicable.
	Cluster string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Cluster != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Cluster, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Wrap builds a ProviderError, or returns nil when err is nil.
func Wrap(op, providerID, cluster string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Op: op, Provider: providerID, Cluster: cluster, Err: err}
}

// IsProviderNotFound returns true if no provider was registered under the id.
func IsProviderNotFound(err error) bool {
	return errors.Is(err, ErrProviderNotFound)
}

// IsClusterNotFound returns true if the backend does not know the cluster.
func IsClusterNotFound(err error) bool {
	return errors.Is(err, ErrClusterNotFound)
}

// IsInvalidConfig returns true if the config was rejected before reaching the backend.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsProviderUnavailable returns true if the error indicates the backend is unreachable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
