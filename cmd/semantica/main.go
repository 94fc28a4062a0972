package main

import (
	"fmt"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/config"
	"github.com/josongmin/semantica-task-engine/server/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := createRootCmd()

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager))
	rootCmd.AddCommand(createPrepareCmd(configManager))
	rootCmd.AddCommand(createVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "semantica",
		Short: "semantica is a local task orchestration daemon",
		Long: `
semantica is a durable, condition-aware local task orchestration daemon.

Jobs are persisted to an embedded SQLite database and executed either
in-process or as supervised subprocesses, gated on host conditions such as
idle CPU, power source and schedule windows.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file")
	return rootCmd
}

func createVersionCmd() *cobra.Command {
	full := false
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of semantica",
		Run: func(cmd *cobra.Command, args []string) {
			if full {
				version.PrintFull()
				return
			}
			version.Print()
		},
	}
	versionCmd.PersistentFlags().BoolVar(&full, "full", false, "Print full version information")
	return versionCmd
}

// initLogger builds the daemon logger per the logging config.
func initLogger(cfg config.SemanticaConfig) kitlog.Logger {
	var logger kitlog.Logger
	if cfg.Logging.JSON {
		logger = kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stderr))
	} else {
		logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	}
	if cfg.Logging.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// initFatal prints an error and exits with a non-zero exit code.
func initFatal(err error, message string) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", message, err)
	os.Exit(1)
}
