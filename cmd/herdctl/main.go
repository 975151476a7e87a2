// The herdctl daemon supervises a fleet of LLM agent subprocesses on a
// single host: it schedules their runs, enforces concurrency limits and
// keeps a durable record of every job under the state directory.
//
// Usage:
//
//	herdctl run --config herd.yaml        Run the fleet supervisor
//	herdctl validate --config herd.yaml   Validate a configuration file
//	herdctl version                       Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type rootOptions struct {
	ConfigPath  string
	StateDir    string
	LogLevel    string
	MetricsAddr string
	WatchConfig bool
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "herdctl",
		Short:         "Single-host supervisor for a fleet of LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "herd.yaml", "path to the fleet configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet supervisor until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(cmd.Context(), opts)
		},
	}
	runCmd.Flags().StringVar(&opts.StateDir, "state-dir", ".herdctl", "directory for durable fleet state")
	runCmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (disabled when empty)")
	runCmd.Flags().BoolVar(&opts.WatchConfig, "watch-config", false, "reload the configuration when the file changes")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(opts.ConfigPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("herdctl %s (commit: %s, built: %s)\n", version, gitCommit, buildDate)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
