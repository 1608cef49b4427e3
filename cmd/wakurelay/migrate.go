package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/wakurelay/internal/config"
	"github.com/alfredjeanlab/wakurelay/internal/cursor/postgres"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

var (
	migrateDBURL      string
	migrateConfigFile string
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Create the cursor database if needed and apply migrations",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := migrateURL()
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cmd.Context(), url); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func migrateURL() (string, error) {
	url := migrateDBURL
	if migrateConfigFile != "" {
		cfg, err := config.Load(migrateConfigFile)
		if err != nil {
			return "", err
		}
		url = cfg.Database.DBURL
	}
	switch url {
	case "":
		return "", relayerr.Errorf(relayerr.ErrConfig, "database.db_url is required")
	case config.MemoryURL:
		return "", relayerr.Errorf(relayerr.ErrConfig, "the in-memory store has nothing to migrate")
	}
	return url, nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDBURL, "db-url", "", "PostgreSQL connection URL")
	migrateCmd.Flags().StringVarP(&migrateConfigFile, "config-file", "c", "", "read database.db_url from this config file")
	migrateCmd.MarkFlagsMutuallyExclusive("db-url", "config-file")
	migrateCmd.MarkFlagsOneRequired("db-url", "config-file")
}
