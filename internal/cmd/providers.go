package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/orchestra/pkg/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured compute providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider definitions from config",
	RunE:  runProvidersList,
}

var providersStatusCmd = &cobra.Command{
	Use:   "status <provider_id> <cluster_name>",
	Short: "Ask a provider for a cluster's state",
	Args:  cobra.ExactArgs(2),
	RunE:  runProvidersStatus,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd, providersStatusCmd)

	providersListCmd.Flags().Bool("json", false, "Output as JSON")
	providersStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func configuredDefinitions() ([]provider.Definition, error) {
	var defs []provider.Definition
	if appConfig.Providers.File != "" {
		fromFile, err := provider.ReadDefinitionsFile(appConfig.Providers.File)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fromFile...)
	}
	defs = append(defs, appConfig.Providers.Definitions...)
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func runProvidersList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	defs, err := configuredDefinitions()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read provider definitions", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if defs == nil {
			defs = []provider.Definition{}
		}
		return writeJSON(out, defs)
	}
	if len(defs) == 0 {
		_, _ = fmt.Fprintln(out, "No providers configured")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PROVIDER ID\tTYPE\tOPTIONS")
	for _, d := range defs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", d.ID, d.Type, len(d.Options))
	}
	return nil
}

func runProvidersStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	o, err := openOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = o.Close() }()

	p, err := o.Providers().Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown provider", err)
	}
	defer func() { _ = provider.Close(p) }()

	st, err := p.ClusterStatus(cmd.Context(), args[1])
	if err != nil {
		if provider.IsClusterNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Cluster not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to query provider", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, st)
	}
	code := "-"
	if st.ReturnCode != nil {
		code = fmt.Sprint(*st.ReturnCode)
	}
	printKV(out,
		"provider_id", args[0],
		"cluster_name", st.Name,
		"state", string(st.State),
		"return_code", code,
		"message", orDash(st.Message),
	)
	return nil
}
