package impact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// AttenuationPolicy grades an artifact reached at depth from a trigger of
// the given level. Depth 0 is a direct consumer of the changed artifact.
type AttenuationPolicy func(trigger Level, depth int) Level

// ThresholdAttenuation keeps a HIGH trigger HIGH up to highDepth and MEDIUM
// up to mediumDepth; a MEDIUM trigger stays MEDIUM up to mediumDepth.
// Anything further, and any LOW trigger, is LOW. A negative mediumDepth
// means no limit.
func ThresholdAttenuation(highDepth, mediumDepth int) AttenuationPolicy {
	withinMedium := func(depth int) bool { return mediumDepth < 0 || depth <= mediumDepth }
	return func(trigger Level, depth int) Level {
		switch trigger {
		case LevelHigh:
			if depth <= highDepth {
				return LevelHigh
			}
			if withinMedium(depth) {
				return LevelMedium
			}
		case LevelMedium:
			if withinMedium(depth) {
				return LevelMedium
			}
		}
		return LevelLow
	}
}

// DefaultAttenuation: HIGH for direct consumers of a HIGH change, MEDIUM
// beyond; a MEDIUM change is MEDIUM at any depth.
var DefaultAttenuation = ThresholdAttenuation(0, -1)

// FindAffectedArtifacts walks graph breadth-first from changed using
// DefaultAttenuation.
func FindAffectedArtifacts(changed string, graph Graph, trigger Level) []AffectedArtifact {
	return findAffected(changed, graph, trigger, DefaultAttenuation, nil)
}

func findAffected(changed string, graph Graph, trigger Level, policy AttenuationPolicy, focus *ChangedSection) []AffectedArtifact {
	type item struct {
		artifact string
		depth    int
	}

	visited := map[string]bool{changed: true}
	queue := []item{{artifact: changed, depth: -1}}
	var out []AffectedArtifact

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, c := range graph[cur.artifact] {
			if visited[c.Artifact] {
				continue
			}
			visited[c.Artifact] = true
			depth := cur.depth + 1

			a := AffectedArtifact{
				ArtifactID:  c.Artifact,
				Phase:       c.Phase,
				ImpactLevel: policy(trigger, depth),
				Depth:       depth,
			}
			if depth == 0 {
				a.Reason = fmt.Sprintf("%s is generated by %s from %s, which changed", c.Artifact, c.Phase, changed)
				if focus != nil {
					a.ChangeType = focus.ChangeType
					a.Section = focus.Header
					a.Reason = fmt.Sprintf("%s is generated by %s from %s, whose section %q was %s",
						c.Artifact, c.Phase, changed, focus.Header, focus.ChangeType)
				}
			} else {
				a.Reason = fmt.Sprintf("%s is generated by %s from %s, which is itself affected by the change to %s (%d steps away)",
					c.Artifact, c.Phase, cur.artifact, changed, depth+1)
			}

			out = append(out, a)
			queue = append(queue, item{artifact: c.Artifact, depth: depth})
		}
	}
	return out
}

// RecommendStrategy picks a regeneration strategy from the affected set.
func RecommendStrategy(affected []AffectedArtifact, summary Summary) Strategy {
	switch {
	case len(affected) == 0:
		return StrategyIgnore
	case summary.High > 0:
		return StrategyRegenerateAll
	case summary.Medium > 0:
		return StrategyHighImpactOnly
	default:
		return StrategyManualReview
	}
}

// SpecProvider yields the active workflow specification.
type SpecProvider interface {
	Current() *workflowspec.WorkflowSpec
}

// ChangeRecorder persists detected changes.
type ChangeRecorder interface {
	SaveChange(ctx context.Context, change *ArtifactChange) error
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithPolicy replaces DefaultAttenuation.
func WithPolicy(p AttenuationPolicy) Option {
	return func(a *Analyzer) { a.policy = p }
}

// WithRecorder persists changes seen by RecordChange.
func WithRecorder(r ChangeRecorder) Option {
	return func(a *Analyzer) { a.recorder = r }
}

// WithClock injects the time source for change timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// Analyzer turns artifact changes into impact analyses.
type Analyzer struct {
	specs    SpecProvider
	policy   AttenuationPolicy
	recorder ChangeRecorder
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	graphSpec *workflowspec.WorkflowSpec
	graph     Graph
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(specs SpecProvider, opts ...Option) *Analyzer {
	a := &Analyzer{
		specs:  specs,
		policy: DefaultAttenuation,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Graph returns the dependency graph of the active specification. Graphs
// are rebuilt only when the specification is swapped.
func (a *Analyzer) Graph() Graph {
	spec := a.specs.Current()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graphSpec != spec {
		a.graph = BuildGraph(spec)
		a.graphSpec = spec
	}
	return a.graph
}

// RecordChange detects a change between snapshots and persists it. It
// returns nil when the content is identical.
func (a *Analyzer) RecordChange(ctx context.Context, projectID, artifact, oldContent, newContent string) (*ArtifactChange, error) {
	change := detectChange(projectID, artifact, oldContent, newContent, a.now())
	if change == nil || a.recorder == nil {
		return change, nil
	}
	if err := a.recorder.SaveChange(ctx, change); err != nil {
		return change, fmt.Errorf("record change to %s: %w", artifact, err)
	}
	return change, nil
}

// Analyze computes the blast radius of change.
func (a *Analyzer) Analyze(change *ArtifactChange) *Analysis {
	affected := findAffected(change.ArtifactName, a.Graph(), change.ImpactLevel, a.policy, primarySection(change))
	summary := Summarize(affected)
	strategy := RecommendStrategy(affected, summary)

	a.logger.Debug("impact analysed",
		zap.String("project.id", change.ProjectID),
		zap.String("artifact", change.ArtifactName),
		zap.String("impact", string(change.ImpactLevel)),
		zap.Int("affected", len(affected)),
		zap.String("strategy", string(strategy)))

	return &Analysis{
		TriggerChange:       change,
		AffectedArtifacts:   affected,
		ImpactSummary:       summary,
		RecommendedStrategy: strategy,
		Reasoning:           reasoning(change, summary, strategy),
	}
}

// primarySection picks the structural change if there is one, else the
// first edit.
func primarySection(change *ArtifactChange) *ChangedSection {
	for i := range change.ChangedSections {
		if t := change.ChangedSections[i].ChangeType; t == ChangeAdded || t == ChangeDeleted {
			return &change.ChangedSections[i]
		}
	}
	if len(change.ChangedSections) > 0 {
		return &change.ChangedSections[0]
	}
	return nil
}

func reasoning(change *ArtifactChange, s Summary, strategy Strategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s impact change to %s", change.ImpactLevel, change.ArtifactName)
	if n := len(change.ChangedSections); n > 0 {
		fmt.Fprintf(&b, " across %d section(s)", n)
	}
	if s.Total() == 0 {
		b.WriteString("; no downstream artifacts depend on it, nothing to regenerate.")
		return b.String()
	}
	fmt.Fprintf(&b, " affects %d downstream artifact(s) (%d high, %d medium, %d low). ", s.Total(), s.High, s.Medium, s.Low)
	switch strategy {
	case StrategyRegenerateAll:
		b.WriteString("Structural changes reach direct dependents, so every affected artifact should be regenerated.")
	case StrategyHighImpactOnly:
		b.WriteString("Only content changed; regenerating the most affected artifacts is enough.")
	case StrategyManualReview:
		b.WriteString("Impact is low; a human should decide what, if anything, to regenerate.")
	}
	return b.String()
}
