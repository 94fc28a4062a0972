package main

import (
	"fmt"

	kitlog "github.com/go-kit/kit/log"
	configpkg "github.com/josongmin/semantica-task-engine/server/config"
	"github.com/josongmin/semantica-task-engine/server/datastore/sqlite"
	"github.com/spf13/cobra"
)

func createPrepareCmd(configManager configpkg.Manager) *cobra.Command {
	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Subcommands for initializing semantica infrastructure",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Create the metadata database and apply pending schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			logger := initLogger(cfg)

			ds, err := sqlite.New(cfg.DatabasePath(), sqlite.Logger(kitlog.With(logger, "component", "datastore")))
			if err != nil {
				initFatal(err, "creating db connection")
			}
			defer ds.Close()

			schemaVersion, err := ds.MigrationStatus(cmd.Context())
			if err != nil {
				initFatal(err, "retrieving migration status")
			}

			fmt.Printf("Migrations completed: %s is at schema version %d.\n",
				cfg.DatabasePath(), schemaVersion)
		},
	}

	prepareCmd.AddCommand(dbCmd)
	return prepareCmd
}
