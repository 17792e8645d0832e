package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect profiler and managed process runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Send SIGTERM to a live run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsStatusCmd, runsStopCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsListCmd.Flags().Bool("jsonl", false, "Output as JSON lines with a trailing summary record")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jsonlOutput, _ := cmd.Flags().GetBool("jsonl")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	runs := o.Runs().List()
	out := cmd.OutOrStdout()
	if jsonlOutput {
		return emitRunsJSONL(cmd.Context(), out, runs)
	}
	if jsonOutput {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tSOURCE\tSTATUS\tCODE\tJOB\tCLUSTER\tSTARTED\tENDED")
	for _, r := range runs {
		code := "-"
		if r.ReturnCode != nil {
			code = fmt.Sprint(*r.ReturnCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.RunID), r.Source, r.Status, code,
			shortID(orDash(r.AssociatedJobID)), orDash(r.ClusterName),
			formatTime(r.CreatedAt), formatOptionalTime(r.EndedAt))
	}
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	rec, ok := o.GetProfilerRun(args[0])
	if !ok {
		return exitError(foundry.ExitFileNotFound, "Run not found", fmt.Errorf("run_id=%s", args[0]))
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}
	code := "-"
	if rec.ReturnCode != nil {
		code = fmt.Sprint(*rec.ReturnCode)
	}
	printKV(out,
		"run_id", rec.RunID,
		"status", string(rec.Status),
		"source", string(rec.Source),
		"return_code", code,
		"pid", fmt.Sprint(rec.PID),
		"command", orDash(rec.Command),
		"job_id", orDash(rec.AssociatedJobID),
		"cluster_name", orDash(rec.ClusterName),
		"created_at", formatTime(rec.CreatedAt),
		"ended_at", formatOptionalTime(rec.EndedAt),
		"stdout", orDash(rec.StdoutPath),
		"stderr", orDash(rec.StderrPath),
	)
	return nil
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	stopped, err := o.StopRun(args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to stop run", err)
	}
	if !stopped {
		return exitError(foundry.ExitFileNotFound, "Run not running", fmt.Errorf("run_id=%s", args[0]))
	}
	printKV(cmd.OutOrStdout(), "run_id", args[0], "signal", "SIGTERM")
	return nil
}
