// Package main implements orchestrd, the spec-driven project orchestrator.
//
// It serves the engine over HTTP and MCP and can drive a full workflow from
// the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrd",
	Short: "Spec-driven project orchestrator",
	Long: `orchestrd drives a project through its specification phases: analysis,
stack selection, spec, dependencies, solutioning and validation.

It generates each phase's artifacts with an LLM agent, validates them, gates
advancement on approvals, and tracks how edits ripple through dependent
artifacts.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/orchestrd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(specCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "orchestrd %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", gitCommit)
	fmt.Fprintf(out, "  built:  %s\n", buildDate)
}
