package cmd

import (
	"context"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/output"
	"github.com/3leaps/orchestra/pkg/workflow"
)

// emitJSONL writes each item via write and closes the stream with a summary.
func emitJSONL[T any](ctx context.Context, out io.Writer, source, kind string, items []T,
	status func(T) string, write func(*output.JSONLWriter, T) error) error {
	w := output.NewJSONLWriter(out, source)
	defer func() { _ = w.Close() }()

	byStatus := make(map[string]int)
	for _, item := range items {
		if err := write(w, item); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		byStatus[status(item)]++
	}
	summary := &output.SummaryRecord{Kind: kind, Count: len(items), ByStatus: byStatus}
	if err := w.WriteSummary(ctx, summary); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func emitJobsJSONL(ctx context.Context, out io.Writer, list []jobs.Job) error {
	return emitJSONL(ctx, out, "jobs-list", "jobs", list,
		func(j jobs.Job) string { return string(j.Status) },
		func(w *output.JSONLWriter, j jobs.Job) error { return w.WriteJob(ctx, output.NewJobRecord(j)) })
}

func emitWorkflowRunsJSONL(ctx context.Context, out io.Writer, runs []workflow.Run) error {
	return emitJSONL(ctx, out, "workflows-runs", "workflow_runs", runs,
		func(r workflow.Run) string { return string(r.Status) },
		func(w *output.JSONLWriter, r workflow.Run) error {
			return w.WriteWorkflowRun(ctx, output.NewWorkflowRunRecord(r))
		})
}

func emitRunsJSONL(ctx context.Context, out io.Writer, runs []output.RunRecord) error {
	return emitJSONL(ctx, out, "runs-list", "runs", runs,
		func(r output.RunRecord) string { return string(r.Status) },
		func(w *output.JSONLWriter, r output.RunRecord) error { return w.WriteRun(ctx, &r) })
}
