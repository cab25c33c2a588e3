package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Inspect workflow specifications",
}

var specValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a workflow specification file",
	Long: `Parse and validate a workflow specification.

Without a file the embedded default is checked.

Examples:
  # Validate a custom specification
  orchestrd spec validate ./workflow.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSpecValidate,
}

var specDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the embedded workflow specification",
	Long: `Print the embedded workflow specification as YAML.

Examples:
  # Seed a custom specification
  orchestrd spec default > workflow.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(workflowspec.DefaultYAML())
		return err
	},
}

func init() {
	specCmd.AddCommand(specValidateCmd)
	specCmd.AddCommand(specDefaultCmd)
}

func runSpecValidate(cmd *cobra.Command, args []string) error {
	spec, source := workflowspec.Default(), "embedded default"
	if len(args) == 1 {
		var err error
		if spec, err = workflowspec.Load(args[0]); err != nil {
			return err
		}
		source = args[0]
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: valid (version %d)\n", source, spec.Version)
	fmt.Fprintf(out, "  phases:     %d\n", len(spec.Phases))
	fmt.Fprintf(out, "  stages:     %d\n", len(spec.Stages))
	fmt.Fprintf(out, "  gates:      %d\n", len(spec.Gates))
	fmt.Fprintf(out, "  validators: %d\n", len(spec.Validators))
	for _, name := range spec.Order() {
		p, _ := spec.Phase(name)
		fmt.Fprintf(out, "  - %s -> %v\n", name, p.Outputs)
	}
	return nil
}
