package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/orchestra/pkg/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Manage workflow definitions and runs",
}

var workflowsCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create a workflow from a YAML or JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsCreate,
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowsList,
}

var workflowsQueueCmd = &cobra.Command{
	Use:   "queue <workflow_id>",
	Short: "Queue a run; a running server starts it on its next sweep",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsQueue,
}

var workflowsDeleteCmd = &cobra.Command{
	Use:   "delete [workflow_id]",
	Short: "Soft-delete workflows by id, by --name, or --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWorkflowsDelete,
}

var workflowsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List workflow runs",
	RunE:  runWorkflowsRuns,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.AddCommand(workflowsCreateCmd, workflowsListCmd, workflowsQueueCmd, workflowsDeleteCmd, workflowsRunsCmd)

	workflowsCreateCmd.Flags().String("experiment", "", "Experiment id (overrides the file)")

	workflowsListCmd.Flags().String("experiment", "", "Only workflows in this experiment")
	workflowsListCmd.Flags().Bool("json", false, "Output as JSON")

	workflowsDeleteCmd.Flags().String("name", "", "Delete every workflow with this name")
	workflowsDeleteCmd.Flags().Bool("all", false, "Delete every workflow")

	workflowsRunsCmd.Flags().String("workflow", "", "Only runs of this workflow")
	workflowsRunsCmd.Flags().String("status", "", "Comma-separated run statuses to include")
	workflowsRunsCmd.Flags().Int("limit", 0, "Maximum runs to show (0 = all)")
	workflowsRunsCmd.Flags().Bool("json", false, "Output as JSON")
	workflowsRunsCmd.Flags().Bool("jsonl", false, "Output as JSON lines with a trailing summary record")
}

func runWorkflowsCreate(cmd *cobra.Command, args []string) error {
	experiment, _ := cmd.Flags().GetString("experiment")

	def, err := workflow.LoadDefinitionFile(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid workflow definition", err)
	}
	if experiment != "" {
		def.ExperimentID = experiment
	}
	nw, err := def.NewWorkflow()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid workflow definition", err)
	}

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	id, err := o.Workflows().Create(cmd.Context(), nw)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create workflow", err)
	}
	printKV(cmd.OutOrStdout(), "workflow_id", id, "name", nw.Name)
	return nil
}

func runWorkflowsList(cmd *cobra.Command, _ []string) error {
	experiment, _ := cmd.Flags().GetString("experiment")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	list, err := o.Workflows().List(cmd.Context(), experiment)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list workflows", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if list == nil {
			list = []workflow.Workflow{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "No workflows found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "WORKFLOW ID\tNAME\tEXPERIMENT\tTRIGGERS\tCREATED")
	for _, wf := range list {
		triggers := "-"
		if cfg, err := wf.Parsed(); err == nil && len(cfg.Triggers) > 0 {
			triggers = strings.Join(cfg.Triggers, ",")
		} else if err != nil {
			triggers = "(malformed)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			wf.ID, wf.Name, orDash(wf.ExperimentID), triggers, formatTime(wf.CreatedAt))
	}
	return nil
}

func runWorkflowsQueue(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	run, err := o.Workflows().QueueRun(cmd.Context(), args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to queue workflow", err)
	}
	if run == nil {
		return exitError(foundry.ExitFileNotFound, "Workflow not found", fmt.Errorf("workflow_id=%s", args[0]))
	}
	printKV(cmd.OutOrStdout(), "run_id", run.ID, "workflow_id", run.WorkflowID, "status", string(run.Status))
	return nil
}

func runWorkflowsDelete(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	all, _ := cmd.Flags().GetBool("all")

	selectors := 0
	if len(args) == 1 {
		selectors++
	}
	if name != "" {
		selectors++
	}
	if all {
		selectors++
	}
	if selectors != 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid delete selector",
			fmt.Errorf("pass exactly one of <workflow_id>, --name, or --all"))
	}

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	ctx := cmd.Context()
	var n int64
	switch {
	case len(args) == 1:
		ok, derr := o.Workflows().DeleteByID(ctx, args[0])
		if ok {
			n = 1
		}
		err = derr
	case name != "":
		n, err = o.Workflows().DeleteByName(ctx, name)
	default:
		n, err = o.Workflows().DeleteAll(ctx)
	}
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete workflows", err)
	}
	printKV(cmd.OutOrStdout(), "deleted", fmt.Sprint(n))
	return nil
}

func runWorkflowsRuns(cmd *cobra.Command, _ []string) error {
	workflowID, _ := cmd.Flags().GetString("workflow")
	statusRaw, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jsonlOutput, _ := cmd.Flags().GetBool("jsonl")

	filter := workflow.RunFilter{WorkflowID: workflowID, Limit: limit}
	for _, s := range splitCSV(statusRaw) {
		st := workflow.RunStatus(strings.ToUpper(s))
		if !st.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown run status %q", s))
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	runs, err := o.Workflows().ListRuns(cmd.Context(), filter)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
	}

	out := cmd.OutOrStdout()
	if jsonlOutput {
		return emitWorkflowRunsJSONL(cmd.Context(), out, runs)
	}
	if jsonOutput {
		if runs == nil {
			runs = []workflow.Run{}
		}
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tJOBS\tCURRENT\tUPDATED")
	for _, r := range runs {
		current := "-"
		if len(r.CurrentTasks) > 0 {
			current = strings.Join(r.CurrentTasks, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), orDash(r.WorkflowName), r.Status, len(r.JobIDs), current, formatTime(r.UpdatedAt))
	}
	return nil
}
