package workflowspec

import (
	"fmt"
	"strings"
)

// topoOrder sorts phases so each one follows everything it depends on.
// next_phase links count as edges too: a phase's successor comes after it.
// Ties are broken by pipeline position so the order is deterministic.
func topoOrder(phases map[PhaseName]*PhaseDef) ([]PhaseName, error) {
	edges := make(map[PhaseName][]PhaseName, len(phases))
	for name, p := range phases {
		edges[name] = append(edges[name], p.DependsOn...)
		if p.NextPhase != "" {
			edges[p.NextPhase] = append(edges[p.NextPhase], name)
		}
	}

	inDegree := make(map[PhaseName]int, len(phases))
	forward := make(map[PhaseName][]PhaseName)
	for name := range phases {
		inDegree[name] += 0
	}
	for node, deps := range edges {
		for _, dep := range deps {
			if _, ok := phases[dep]; !ok {
				continue
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []PhaseName
	for name, d := range inDegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sortPhases(queue)

	sorted := make([]PhaseName, 0, len(phases))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []PhaseName
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		queue = append(queue, ready...)
		sortPhases(queue)
	}

	if len(sorted) == len(phases) {
		return sorted, nil
	}
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath(edges, inDegree), " -> "))
}

// cyclePath walks the nodes Kahn's algorithm could not release and returns
// one cycle through them.
func cyclePath(edges map[PhaseName][]PhaseName, inDegree map[PhaseName]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[PhaseName]int)
	parent := make(map[PhaseName]PhaseName)
	var path []string

	var dfs func(node PhaseName) bool
	dfs = func(node PhaseName) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			switch color[dep] {
			case gray:
				path = []string{string(dep)}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, string(cur))
				}
				path = append(path, string(dep))
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	remaining := make([]PhaseName, 0)
	for n, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, n)
		}
	}
	sortPhases(remaining)
	for _, n := range remaining {
		if color[n] == white && dfs(n) {
			return path
		}
	}
	return []string{"(cycle detected)"}
}
