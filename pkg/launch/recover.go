package launch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/orchestra/pkg/jobs"
)

// msgLaunchLost is the error recorded on WAITING jobs with no persisted request.
const msgLaunchLost = "launch request lost before the worker picked it up"

// RecoverSummary counts what a recovery sweep did.
type RecoverSummary struct {
	Requeued int
	Failed   int
}

// RecoverOrphans re-enqueues jobs left in WAITING by a previous process.
//
// Jobs that carry a launch_request are queued again with the original item.
// Jobs without one cannot be relaunched and are failed. The worker must be
// running.
func (w *Worker) RecoverOrphans(ctx context.Context) (RecoverSummary, error) {
	var sum RecoverSummary
	if !w.Running() {
		return sum, ErrWorkerStopped
	}

	waiting, err := w.jobs.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusWaiting}})
	if err != nil {
		return sum, fmt.Errorf("list waiting jobs: %w", err)
	}
	// List returns newest first; requeue in original enqueue order.
	for i := len(waiting) - 1; i >= 0; i-- {
		job := waiting[i]
		req := job.Data.LaunchRequest
		if req == nil || req.ProviderID == "" {
			w.logger.Warn("Failing orphaned WAITING job", zap.String("job_id", job.ID))
			w.fail(ctx, Item{JobID: job.ID, ExperimentID: job.ExperimentID}, msgLaunchLost)
			sum.Failed++
			continue
		}

		item := Item{
			JobID:         job.ID,
			ExperimentID:  job.ExperimentID,
			ProviderID:    req.ProviderID,
			ClusterName:   req.ClusterName,
			ClusterConfig: req.ClusterConfig,
			QuotaHoldID:   req.QuotaHoldID,
			InitialStatus: req.InitialStatus,
		}
		ok, err := w.Enqueue(ctx, item)
		switch {
		case errors.Is(err, ErrQueueFull):
			sum.Failed++
		case err != nil:
			return sum, fmt.Errorf("requeue job %s: %w", job.ID, err)
		case ok:
			sum.Requeued++
		}
	}
	if sum.Requeued > 0 || sum.Failed > 0 {
		w.logger.Info("Recovered orphaned launches",
			zap.Int("requeued", sum.Requeued),
			zap.Int("failed", sum.Failed),
		)
	}
	return sum, nil
}
