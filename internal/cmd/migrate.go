package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/orchestra/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the job database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig.Orchestrator().Store

	db, err := store.OpenMigrated(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate store", err)
	}
	defer func() { _ = db.Close() }()

	version, err := store.CurrentSchemaVersion(ctx, db)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read schema version", err)
	}
	target := cfg.URL
	if target == "" {
		target = cfg.Path
	}
	printKV(cmd.OutOrStdout(), "store", target, "schema_version", fmt.Sprint(version))
	return nil
}
