package workflowspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	spec := Default()
	require.NotNil(t, spec)

	for _, name := range PipelinePhases() {
		_, ok := spec.Phase(name)
		assert.True(t, ok, "missing %s", name)
	}

	order := spec.Order()
	pos := make(map[PhaseName]int)
	for i, p := range order {
		pos[p] = i
	}
	for name, p := range spec.Phases {
		for _, dep := range p.DependsOn {
			assert.Less(t, pos[dep], pos[name], "%s must come after %s", name, dep)
		}
	}
	assert.Equal(t, PhaseAnalysis, order[0])
}

func TestDefault_Lookups(t *testing.T) {
	spec := Default()

	assert.True(t, spec.IsProtected("constitution.md"))
	assert.False(t, spec.IsProtected("PRD.md"))

	producer, ok := spec.ProducerOf("tasks.md")
	require.True(t, ok)
	assert.Equal(t, PhaseSolutioning, producer)

	_, ok = spec.Reviewer(PhaseSpec)
	assert.True(t, ok)
	_, ok = spec.Reviewer(PhaseAnalysis)
	assert.False(t, ok)

	gates := spec.GatesFor(PhaseStackSelection)
	require.Len(t, gates, 1)
	assert.Equal(t, "stack_approval", gates[0].Name)
	assert.True(t, gates[0].Blocking)

	anc := spec.Ancestors(PhaseValidate)
	assert.True(t, anc[PhaseAnalysis])
	assert.True(t, anc[PhaseDependencies])
	assert.False(t, anc[PhaseDone])
}

func TestGenerationFor_Overrides(t *testing.T) {
	spec := Default()

	base := spec.GenerationFor(PhaseAnalysis)
	assert.Equal(t, 8192, base.MaxTokens)
	assert.InDelta(t, 0.3, base.Temperature, 1e-9)

	sol := spec.GenerationFor(PhaseSolutioning)
	assert.Equal(t, 16000, sol.MaxTokens)
	assert.InDelta(t, 0.2, sol.Temperature, 1e-9)
	assert.Equal(t, base.Model, sol.Model)
}

func mutateDefault(t *testing.T, old, new string) []byte {
	t.Helper()
	doc := string(DefaultYAML())
	require.Contains(t, doc, old)
	return []byte(strings.Replace(doc, old, new, 1))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantMsg string
	}{
		{
			name:    "malformed yaml",
			data:    []byte("phases: [unterminated"),
			wantMsg: "parse",
		},
		{
			name:    "unknown field",
			data:    mutateDefault(t, "version: 1", "version: 1\nflavour: vanilla"),
			wantMsg: "flavour",
		},
		{
			name:    "unknown dependency",
			data:    mutateDefault(t, "depends_on: [ANALYSIS]", "depends_on: [RESEARCH]"),
			wantMsg: "unknown phase RESEARCH",
		},
		{
			name:    "unknown next phase",
			data:    mutateDefault(t, "next_phase: STACK_SELECTION", "next_phase: NOWHERE"),
			wantMsg: "unknown next_phase NOWHERE",
		},
		{
			name:    "unknown validator",
			data:    mutateDefault(t, "validators: [dependency_sections, no_secrets]", "validators: [dependency_sections, spellcheck]"),
			wantMsg: "unknown validator spellcheck",
		},
		{
			name:    "cycle",
			data:    mutateDefault(t, "    owners: [analyst]\n    duration: 20m\n", "    owners: [analyst]\n    duration: 20m\n    depends_on: [SPEC]\n"),
			wantMsg: "circular dependency detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestParse_StageOrderViolation(t *testing.T) {
	data := mutateDefault(t,
		"  - name: build_out\n    phases: [DEPENDENCIES, SOLUTIONING]",
		"  - name: build_out\n    phases: [DEPENDENCIES, SOLUTIONING, SPEC]")
	data = []byte(strings.Replace(string(data), "    phases: [SPEC]\n    depends_on: [stack]", "    phases: []\n    depends_on: [stack]", 1))

	_, err := Parse(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in an earlier stage")
}

func writeSpec(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestSource_FallsBackToDefault(t *testing.T) {
	path := writeSpec(t, t.TempDir(), []byte("::: not yaml"))

	src := NewSource(path)
	assert.True(t, src.UsingFallback())
	assert.Same(t, Default(), src.Current())

	src = NewSource("")
	assert.True(t, src.UsingFallback())
}

func TestSource_ReloadRespectsIntervalAndProduction(t *testing.T) {
	dir := t.TempDir()
	path := writeSpec(t, dir, DefaultYAML())
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	src := NewSource(path, WithClock(clock.Now), WithMinReloadInterval(time.Minute))
	require.False(t, src.UsingFallback())
	first := src.Current()

	reloaded, err := src.Reload()
	require.NoError(t, err)
	assert.False(t, reloaded, "within the interval")

	clock.now = clock.now.Add(2 * time.Minute)
	writeSpec(t, dir, mutateDefault(t, "max_tokens: 8192", "max_tokens: 4096"))
	reloaded, err = src.Reload()
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.NotSame(t, first, src.Current())
	assert.Equal(t, 4096, src.Current().Generation.MaxTokens)

	prod := NewSource(path, WithClock(clock.Now), WithProduction(true))
	clock.now = clock.now.Add(time.Hour)
	reloaded, err = prod.Reload()
	require.NoError(t, err)
	assert.False(t, reloaded)
}

func TestSource_ReloadFailureKeepsActiveSpec(t *testing.T) {
	dir := t.TempDir()
	path := writeSpec(t, dir, DefaultYAML())
	clock := &fakeClock{now: time.Now()}

	src := NewSource(path, WithClock(clock.Now), WithMinReloadInterval(time.Second))
	active := src.Current()

	writeSpec(t, dir, []byte("phases: {"))
	clock.now = clock.now.Add(time.Minute)

	reloaded, err := src.Reload()
	assert.False(t, reloaded)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Same(t, active, src.Current())
}
