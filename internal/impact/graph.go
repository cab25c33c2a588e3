package impact

import (
	"sort"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Consumer is an artifact derived from another one.
type Consumer struct {
	Phase    workflowspec.PhaseName
	Artifact string
}

// Graph maps an artifact to the artifacts derived from it.
type Graph map[string][]Consumer

// BuildGraph derives artifact edges from the phase declarations: every
// output of a phase depends on the phase inputs and on every output of the
// phases it depends on.
func BuildGraph(spec *workflowspec.WorkflowSpec) Graph {
	g := make(Graph)
	seen := make(map[string]map[Consumer]bool)
	rank := make(map[workflowspec.PhaseName]int)

	for i, name := range spec.Order() {
		rank[name] = i
		p, _ := spec.Phase(name)

		var sources []string
		sources = append(sources, p.Inputs...)
		for _, dep := range p.DependsOn {
			if dp, ok := spec.Phase(dep); ok {
				sources = append(sources, dp.Outputs...)
			}
		}

		for _, src := range sources {
			for _, out := range p.Outputs {
				if src == out {
					continue
				}
				c := Consumer{Phase: name, Artifact: out}
				if seen[src] == nil {
					seen[src] = make(map[Consumer]bool)
				}
				if seen[src][c] {
					continue
				}
				seen[src][c] = true
				g[src] = append(g[src], c)
			}
		}
	}

	for src := range g {
		consumers := g[src]
		sort.SliceStable(consumers, func(i, j int) bool {
			if rank[consumers[i].Phase] != rank[consumers[j].Phase] {
				return rank[consumers[i].Phase] < rank[consumers[j].Phase]
			}
			return consumers[i].Artifact < consumers[j].Artifact
		})
	}
	return g
}
