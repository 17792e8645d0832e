package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/orchestra/pkg/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage job records",
	Long: `Inspect and manage job records.

Status changes made here are written straight to the database. Workflow
triggers only fire for changes made inside a running 'orchestra serve'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status and data for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job record",
	RunE:  runJobsCreate,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a job and tear down its cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Soft-delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsCreateCmd, jobsStopCmd, jobsDeleteCmd)

	jobsListCmd.Flags().String("status", "", "Comma-separated statuses to include")
	jobsListCmd.Flags().String("type", "", "Only jobs of this type")
	jobsListCmd.Flags().String("experiment", "", "Only jobs in this experiment")
	jobsListCmd.Flags().Int("limit", 0, "Maximum jobs to show (0 = all)")
	jobsListCmd.Flags().Bool("all", false, "Include deleted jobs")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("jsonl", false, "Output as JSON lines with a trailing summary record")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	jobsCreateCmd.Flags().String("type", "", "Job type (required)")
	jobsCreateCmd.Flags().String("status", string(jobs.StatusCreated), "Initial status: CREATED or QUEUED")
	jobsCreateCmd.Flags().String("experiment", "", "Experiment id")
	jobsCreateCmd.Flags().String("data", "", "Initial job_data as a JSON object")

	jobsStopCmd.Flags().String("experiment", "", "Experiment id the job must belong to")
	jobsDeleteCmd.Flags().String("experiment", "", "Experiment id the job must belong to")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jsonlOutput, _ := cmd.Flags().GetBool("jsonl")
	statusRaw, _ := cmd.Flags().GetString("status")
	jobType, _ := cmd.Flags().GetString("type")
	experiment, _ := cmd.Flags().GetString("experiment")
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")

	filter := jobs.Filter{
		ExperimentID:   experiment,
		Type:           jobs.Type(strings.ToUpper(jobType)),
		Limit:          limit,
		IncludeDeleted: all,
	}
	for _, s := range splitCSV(statusRaw) {
		st := jobs.Status(strings.ToUpper(s))
		if !st.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", s))
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	list, err := o.Jobs().List(cmd.Context(), filter)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonlOutput {
		return emitJobsJSONL(cmd.Context(), out, list)
	}
	if jsonOutput {
		if list == nil {
			list = []jobs.Job{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tEXPERIMENT\tPROVIDER\tCLUSTER\tUPDATED")
	for _, j := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID),
			j.Type,
			j.Status,
			orDash(j.ExperimentID),
			orDash(j.Data.ProviderID),
			orDash(j.Data.ClusterName),
			formatTime(j.UpdatedAt))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	j, err := o.Jobs().Get(cmd.Context(), args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job", err)
	}
	if j == nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("job_id=%s", args[0]))
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, j)
	}
	printKV(out,
		"job_id", j.ID,
		"type", string(j.Type),
		"status", string(j.Status),
		"experiment_id", orDash(j.ExperimentID),
		"progress", fmt.Sprint(j.Progress),
		"created_at", formatTime(j.CreatedAt),
		"updated_at", formatTime(j.UpdatedAt),
	)
	for _, key := range j.Data.Keys() {
		v, _ := j.Data.Get(key)
		printKV(out, "data."+key, renderValue(v))
	}
	return nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	jobType, _ := cmd.Flags().GetString("type")
	status, _ := cmd.Flags().GetString("status")
	experiment, _ := cmd.Flags().GetString("experiment")
	rawData, _ := cmd.Flags().GetString("data")

	jobType = strings.ToUpper(strings.TrimSpace(jobType))
	if jobType == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --type", fmt.Errorf("job type is required"))
	}
	data, err := jobs.ParseJobData(rawData)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --data value", err)
	}

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	id, err := o.CreateJob(cmd.Context(), jobs.Type(jobType), jobs.Status(strings.ToUpper(status)), experiment, data)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create job", err)
	}
	printKV(cmd.OutOrStdout(), "job_id", id)
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	experiment, _ := cmd.Flags().GetString("experiment")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	found, err := o.StopJob(cmd.Context(), args[0], experiment)
	if !found && err == nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("job_id=%s", args[0]))
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to stop job", err)
	}
	printKV(cmd.OutOrStdout(), "job_id", args[0], "status", string(jobs.StatusStopped))
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	experiment, _ := cmd.Flags().GetString("experiment")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	if err := o.Jobs().Delete(cmd.Context(), args[0], experiment); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to delete job", err)
	}
	printKV(cmd.OutOrStdout(), "job_id", args[0], "status", string(jobs.StatusDeleted))
	return nil
}
