package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
)

var (
	runProjectID     string
	runProjectName   string
	runParallel      bool
	runFallback      bool
	runSkipCompleted bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow's agents for a project",
	Long: `Run every stage of the workflow for a project and print the report as JSON.

Stages run in order; phases within a stage run concurrently unless
--parallel=false. The run stops at the first stage that fails, for example
when an approval gate is still pending.

Examples:
  # Start a new project and run as far as gates allow
  orchestrd run --name "Todo App"

  # Resume an existing project, skipping completed phases
  orchestrd run --project 5f0c... --skip-completed

  # Run strictly sequentially
  orchestrd run --project 5f0c... --parallel=false`,
	Args: cobra.NoArgs,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runProjectID, "project", "", "existing project ID")
	runCmd.Flags().StringVar(&runProjectName, "name", "", "name of a new project to create")
	runCmd.Flags().BoolVar(&runParallel, "parallel", true, "run phases within a stage concurrently")
	runCmd.Flags().BoolVar(&runFallback, "fallback", true, "re-run a failed parallel stage sequentially")
	runCmd.Flags().BoolVar(&runSkipCompleted, "skip-completed", false, "skip phases the project already completed")
	runCmd.MarkFlagsMutuallyExclusive("project", "name")
	runCmd.MarkFlagsOneRequired("project", "name")
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The report goes to stdout; logs stay on stderr.
	a, err := newApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	projectID := runProjectID
	if projectID == "" {
		state, err := a.engine.CreateProject(ctx, runProjectName)
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		projectID = state.ID
		fmt.Fprintf(cmd.ErrOrStderr(), "created project %s (%s)\n", state.Name, state.ID)
	}

	report, runErr := a.engine.ExecuteWorkflowWithParallel(ctx, projectID, orchestrator.WorkflowOptions{
		EnableParallel:       runParallel,
		FallbackToSequential: runFallback,
		SkipCompleted:        runSkipCompleted,
		OnProgress: func(stage orchestrator.StageReport) {
			a.logger.Info("stage finished",
				zap.String("stage", stage.Name),
				zap.Bool("parallel", stage.Parallel),
				zap.Bool("fell_back", stage.FellBack),
				zap.Bool("skipped", stage.Skipped),
				zap.Duration("duration", stage.Duration),
				zap.String("error", stage.Error))
		},
	})
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return errors.Join(runErr, fmt.Errorf("encode report: %w", err))
		}
	}
	return runErr
}
