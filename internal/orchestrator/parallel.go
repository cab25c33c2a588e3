package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// PhaseResult is the outcome of one phase run.
type PhaseResult struct {
	Phase     workflowspec.PhaseName `json:"phase"`
	Artifacts map[string]string      `json:"artifacts,omitempty"`
	Err       error                  `json:"-"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// GroupResult collects the results of phases run together, in the order
// they were given.
type GroupResult struct {
	Results  []PhaseResult `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Err joins every phase error, or returns nil.
func (g *GroupResult) Err() error {
	var errs []error
	for _, r := range g.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Phase, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Artifacts merges the artifacts of every successful phase.
func (g *GroupResult) Artifacts() map[string]string {
	out := make(map[string]string)
	for _, r := range g.Results {
		for k, v := range r.Artifacts {
			out[k] = v
		}
	}
	return out
}

// ExecuteParallelGroup runs the phases concurrently, at most
// MaxParallelPhases at a time. A failing phase never cancels its siblings;
// every error is captured in its PhaseResult and joined into the returned
// error.
func (e *Engine) ExecuteParallelGroup(ctx context.Context, projectID string, phases []workflowspec.PhaseName, inputs map[string]string) (*GroupResult, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.ExecuteParallelGroup", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.Int("phases", len(phases)),
	))
	defer span.End()

	start := e.now()
	res := &GroupResult{Results: make([]PhaseResult, len(phases))}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelPhases)
	for i, phase := range phases {
		g.Go(func() error {
			res.Results[i] = e.runOne(ctx, projectID, phase, inputs)
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = e.now().Sub(start)
	err := res.Err()
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (e *Engine) runOne(ctx context.Context, projectID string, phase workflowspec.PhaseName, inputs map[string]string) PhaseResult {
	start := e.now()
	var in map[string]string
	if inputs != nil {
		in = make(map[string]string, len(inputs))
		for k, v := range inputs {
			in[k] = v
		}
	}
	arts, err := e.RunPhaseAgent(ctx, projectID, phase, in)
	r := PhaseResult{Phase: phase, Artifacts: arts, Err: err, Duration: e.now().Sub(start)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (e *Engine) runSequential(ctx context.Context, projectID string, phases []workflowspec.PhaseName, inputs map[string]string) (*GroupResult, error) {
	start := e.now()
	res := &GroupResult{}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			res.Results = append(res.Results, PhaseResult{Phase: phase, Err: err, Error: err.Error()})
			break
		}
		r := e.runOne(ctx, projectID, phase, inputs)
		res.Results = append(res.Results, r)
		if r.Err != nil {
			break
		}
	}
	res.Duration = e.now().Sub(start)
	return res, res.Err()
}

// ProgressFunc is called after every stage.
type ProgressFunc func(stage StageReport)

// WorkflowOptions tunes ExecuteWorkflowWithParallel.
type WorkflowOptions struct {
	EnableParallel       bool
	FallbackToSequential bool

	// SkipCompleted leaves out phases the project has already completed.
	SkipCompleted bool

	OnProgress ProgressFunc
}

// StageReport describes how one stage ran.
type StageReport struct {
	Name     string                   `json:"name"`
	Phases   []workflowspec.PhaseName `json:"phases"`
	Parallel bool                     `json:"parallel"`
	FellBack bool                     `json:"fell_back"`
	Skipped  bool                     `json:"skipped"`
	Duration time.Duration            `json:"duration"`
	Error    string                   `json:"error,omitempty"`

	// sequential is the sum of the stage's phase durations.
	sequential time.Duration
}

// WorkflowReport summarises a workflow run.
type WorkflowReport struct {
	Stages              []StageReport     `json:"stages"`
	Artifacts           map[string]string `json:"artifacts"`
	TotalDuration       time.Duration     `json:"total_duration"`
	ParallelDuration    time.Duration     `json:"parallel_duration"`
	EstimatedSequential time.Duration     `json:"estimated_sequential"`
	TimeSavedPercent    float64           `json:"time_saved_percent"`
}

// ExecuteWorkflowWithParallel runs the workflow's stages in order. Phases
// within a stage run concurrently when parallelism is enabled and the stage
// has more than one phase. When a parallel stage fails and fallback is
// enabled the stage is re-run sequentially and parallelism stays off for the
// remaining stages. The run stops at the first stage that still fails.
func (e *Engine) ExecuteWorkflowWithParallel(ctx context.Context, projectID string, opts WorkflowOptions) (*WorkflowReport, error) {
	ctx = logging.WithProject(ctx, projectID)
	ctx, span := e.tracer.Start(ctx, "orchestrator.ExecuteWorkflowWithParallel", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.Bool("parallel", opts.EnableParallel),
	))
	defer span.End()
	log := logging.For(ctx, e.logger)

	spec := e.specs.Current()
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	start := e.now()
	report := &WorkflowReport{Artifacts: make(map[string]string)}
	parallel := opts.EnableParallel
	defer func() {
		report.TotalDuration = e.now().Sub(start)
		span.SetAttributes(attribute.Float64("time_saved_percent", report.TimeSavedPercent))
	}()

	for _, stage := range spec.Stages {
		phases := stage.Phases
		if opts.SkipCompleted {
			phases = pending(state, phases)
		}
		sr := StageReport{Name: stage.Name, Phases: phases}
		if len(phases) == 0 {
			sr.Skipped = true
			e.stageDone(opts, report, sr)
			continue
		}

		stageStart := e.now()
		var res *GroupResult
		if parallel && len(phases) > 1 {
			sr.Parallel = true
			res, err = e.ExecuteParallelGroup(ctx, projectID, phases, nil)
			if err != nil && opts.FallbackToSequential {
				log.Warn("parallel stage failed, retrying sequentially", zap.String("stage", stage.Name), zap.Error(err))
				sr.FellBack = true
				parallel = false
				res, err = e.runSequential(ctx, projectID, phases, nil)
			}
		} else {
			res, err = e.runSequential(ctx, projectID, phases, nil)
		}
		sr.Duration = e.now().Sub(stageStart)
		for _, r := range res.Results {
			sr.sequential += r.Duration
		}
		for k, v := range res.Artifacts() {
			report.Artifacts[k] = v
		}

		if err != nil {
			sr.Error = err.Error()
			e.stageDone(opts, report, sr)
			log.Error("stage failed", zap.String("stage", stage.Name), zap.Error(err))
			return report, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		log.Info("stage completed",
			zap.String("stage", stage.Name),
			zap.Bool("parallel", sr.Parallel),
			zap.Duration("took", sr.Duration))
		e.stageDone(opts, report, sr)
	}
	return report, nil
}

func (e *Engine) stageDone(opts WorkflowOptions, report *WorkflowReport, sr StageReport) {
	report.Stages = append(report.Stages, sr)
	if sr.Parallel && !sr.FellBack {
		report.ParallelDuration += sr.Duration
		report.EstimatedSequential += sr.sequential
		if report.EstimatedSequential > 0 {
			saved := report.EstimatedSequential - report.ParallelDuration
			report.TimeSavedPercent = float64(saved) / float64(report.EstimatedSequential) * 100
		}
	}
	if opts.OnProgress != nil {
		opts.OnProgress(sr)
	}
}

func pending(state *project.State, phases []workflowspec.PhaseName) []workflowspec.PhaseName {
	var out []workflowspec.PhaseName
	for _, p := range phases {
		if !state.HasCompleted(p) {
			out = append(out, p)
		}
	}
	return out
}
