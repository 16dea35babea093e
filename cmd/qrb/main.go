package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quickredblazer/qrb/pkg/config"
	"github.com/quickredblazer/qrb/pkg/log"
)

var logLevel string

// projectConfig is loaded once per invocation by the root command.
var projectConfig *config.ProjectConfig

var rootCmd = &cobra.Command{
	Use:   "qrb",
	Short: "qrb publishes files to a GitHub branch as a single commit.",
	Long: `qrb publishes a set of files to a GitHub repository branch as one atomic commit.

Use "qrb push" to publish a local directory, or "qrb serve" to run the helper
service used by the browser editor.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromCurrentDir()
		if err != nil {
			return err
		}
		projectConfig = cfg

		level, source := cfg.ResolveLogLevel(logLevel)
		if err := log.Init(level); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		log.Debug("configuration loaded", "log_level", level, "log_level_source", source)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, progress, minimal, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
