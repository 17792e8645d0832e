package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/metrics"
	"github.com/3leaps/orchestra/pkg/provider"
)

// DefaultPollInterval is the sweep period when none is configured.
const DefaultPollInterval = 15 * time.Second

// Jobs is the subset of the job store the poller uses.
type Jobs interface {
	List(ctx context.Context, f jobs.Filter) ([]jobs.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, experimentID string, errorMsg string) error
}

// Poller reconciles in-flight provider jobs against their cluster status.
type Poller struct {
	jobs      Jobs
	providers provider.Resolver
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger sets the poller logger.
func WithLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records applied transitions in m.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a poller over j resolving providers from r.
func NewPoller(j Jobs, r provider.Resolver, opts ...PollerOption) *Poller {
	p := &Poller{
		jobs:      j,
		providers: r,
		interval:  DefaultPollInterval,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Summary counts what one sweep did.
type Summary struct {
	Checked int
	Updated int
	Errors  int
}

// Run sweeps immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Status poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce checks every LAUNCHING, RUNNING, or INTERACTIVE job that names a
// provider and cluster. Per-job failures are logged and counted, never
// returned.
func (p *Poller) PollOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	inFlight, err := p.jobs.List(ctx, jobs.Filter{Statuses: []jobs.Status{
		jobs.StatusLaunching, jobs.StatusRunning, jobs.StatusInteractive,
	}})
	if err != nil {
		return sum, fmt.Errorf("list in-flight jobs: %w", err)
	}

	resolved := make(map[string]provider.Provider)
	for _, job := range inFlight {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		providerID, cluster := job.Data.ProviderID, job.Data.ClusterName
		if providerID == "" || cluster == "" {
			continue
		}
		sum.Checked++
		log := p.logger.With(
			zap.String("job_id", job.ID),
			zap.String("provider_id", providerID),
			zap.String("cluster", cluster),
		)

		prov, ok := resolved[providerID]
		if !ok {
			prov, err = p.providers.Resolve(providerID)
			if err != nil {
				log.Warn("Cannot resolve provider for in-flight job", zap.Error(err))
				sum.Errors++
				continue
			}
			resolved[providerID] = prov
		}

		st, err := prov.ClusterStatus(ctx, cluster)
		if err != nil {
			if provider.IsClusterNotFound(err) {
				log.Debug("Cluster not reported yet")
			} else {
				log.Warn("Cluster status failed", zap.Error(err))
				sum.Errors++
			}
			continue
		}

		next, changed := JobFromCluster(job.Status, st)
		if !changed {
			continue
		}
		if err := p.jobs.UpdateStatus(ctx, job.ID, next, job.ExperimentID, errorMessage(next, st)); err != nil {
			if errors.Is(err, jobs.ErrInvalidTransition) {
				// Another writer moved the job since List.
				log.Debug("Skipping stale reconcile", zap.Error(err))
				continue
			}
			log.Warn("Failed to apply reconciled status", zap.Error(err))
			sum.Errors++
			continue
		}
		sum.Updated++
		p.metrics.Reconciled(string(next))
		log.Info("Reconciled job status",
			zap.String("from", job.Status.String()),
			zap.String("to", next.String()),
		)
	}
	return sum, nil
}

func errorMessage(next jobs.Status, st provider.ClusterStatus) string {
	if next != jobs.StatusFailed {
		return ""
	}
	if st.Message != "" {
		return st.Message
	}
	if st.ReturnCode != nil {
		return fmt.Sprintf("cluster exited with code %d", *st.ReturnCode)
	}
	return "cluster failed"
}
