// Package cmd wires the sparkfleet CLI: the serve process, schema
// migration and the one-shot operational wrappers around the
// reconcilers.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// versionInfo carries build metadata injected at link time via
// SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata reported by the version
// command and the /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagConfigFile string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sparkfleet",
	Short: "Workload lifecycle controller for on-demand Spark clusters",
	Long: `sparkfleet manages on-demand analysis clusters with bounded lifetimes
and recurring scheduled Spark jobs against Amazon EMR.

The serve command runs the reconcilers continuously; the remaining
commands are one-shot wrappers for operations and debugging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file path (default: sparkfleet.yaml in search path)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("sparkfleet %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// Execute runs the CLI.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
