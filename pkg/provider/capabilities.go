package provider

import "context"

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions).

// ClusterStopper can tear a cluster down.
type ClusterStopper interface {
	StopCluster(ctx context.Context, clusterName string) error
}

// Closer releases resources held by a provider instance.
type Closer interface {
	Close() error
}

// StopCluster stops a cluster when p supports it.
func StopCluster(ctx context.Context, p Provider, clusterName string) error {
	s, ok := p.(ClusterStopper)
	if !ok {
		return ErrUnsupported
	}
	return s.StopCluster(ctx, clusterName)
}

// Close closes p when it holds resources.
func Close(p Provider) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}
