package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/cmd/cfgsecrets/commands"
	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "cfgsecrets",
		Short: "Split connector configurations into redacted configs and stored secrets",
		Long: `cfgsecrets extracts secret fields from connector configurations, stores
them in a secret storage backend and replaces them with versioned
coordinates. It hydrates redacted configurations back into plaintext.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
			metrics.InitMetrics()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			commands.LogMetrics(cfg.Logger)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewSplitCommand(cfg),
		commands.NewHydrateCommand(cfg),
		commands.NewCoordinateCommand(cfg),
		commands.NewStoragesCommand(cfg),
		commands.NewReferencesCommand(cfg),
		commands.NewMigrateCommand(cfg),
	)

	return rootCmd.Execute()
}
