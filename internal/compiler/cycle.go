package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/credence/internal/ir"
)

// CycleWarning represents a feedback loop in the stage graph.
//
// Cycles are warnings, not errors: the solver iterates them to a fixed
// point. The warning tells the author which stages will be iterated.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["link", "resolve", "link"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on a stage graph.
//
// The algorithm:
//  1. Build the upstream → downstream dependency graph
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or self-loops as a cycle warning
//
// An acyclic graph returns an empty warning list. Warnings follow the
// traversal order of Condense.
func AnalyzeCycles(g *ir.StageGraph) []CycleWarning {
	warnings := []CycleWarning{}
	if g == nil || len(g.Stages) == 0 {
		return warnings
	}

	graph := buildDependencyGraph(g)
	for _, scc := range Condense(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	return warnings
}

// IsCyclic reports whether any stage depends on itself, directly or
// transitively.
func IsCyclic(g *ir.StageGraph) bool {
	return len(AnalyzeCycles(g)) > 0
}

// Condense returns the strongly connected components of g in topological
// order of the condensation: every component comes after all components it
// depends on.
//
// Ordering is deterministic. Among components that are ready at the same
// time, the one whose earliest member was declared first wins, and members
// of a component keep declaration order.
func Condense(g *ir.StageGraph) [][]string {
	if g == nil || len(g.Stages) == 0 {
		return [][]string{}
	}

	graph := buildDependencyGraph(g)
	order := make(map[string]int, len(g.Stages))
	for i, s := range g.Stages {
		order[s.ID] = i
	}

	sccs := tarjanSCC(graph, g.IDs())
	component := make(map[string]int, len(order))
	for c, scc := range sccs {
		sort.Slice(scc, func(i, j int) bool { return order[scc[i]] < order[scc[j]] })
		for _, id := range scc {
			component[id] = c
		}
	}

	// Kahn's algorithm over the condensation, keyed by first declaration.
	indegree := make([]int, len(sccs))
	edges := make([]map[int]bool, len(sccs))
	for c := range sccs {
		edges[c] = make(map[int]bool)
	}
	for _, id := range g.IDs() {
		from := component[id]
		for _, next := range graph[id] {
			to := component[next]
			if to != from && !edges[from][to] {
				edges[from][to] = true
				indegree[to]++
			}
		}
	}

	var ready []int
	for c := range sccs {
		if indegree[c] == 0 {
			ready = append(ready, c)
		}
	}

	result := make([][]string, 0, len(sccs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return order[sccs[ready[i]][0]] < order[sccs[ready[j]][0]]
		})
		c := ready[0]
		ready = ready[1:]
		result = append(result, sccs[c])
		for to := range edges[c] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	return result
}

// TraversalOrder flattens Condense into a single stage order.
func TraversalOrder(g *ir.StageGraph) []string {
	var order []string
	for _, scc := range Condense(g) {
		order = append(order, scc...)
	}
	return order
}

// dependencyGraph maps stage_id → stages that read it, in declaration order.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the stage dependency graph.
// Edges run from an upstream stage to the stages that consume it. Upstream
// ids that are not declared are ignored; ValidateGraph reports them.
func buildDependencyGraph(g *ir.StageGraph) dependencyGraph {
	graph := make(dependencyGraph, len(g.Stages))
	for _, s := range g.Stages {
		if graph[s.ID] == nil {
			graph[s.ID] = []string{}
		}
	}
	for _, s := range g.Stages {
		for _, up := range s.Upstream {
			if _, ok := graph[up]; !ok {
				continue
			}
			graph[up] = append(graph[up], s.ID)
		}
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Nodes are visited in the given order so the result is deterministic.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, nodes []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		// Set the depth index for v
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		// Consider successors of v
		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				// Successor w has not yet been visited; recurse on it
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				// Successor w is on stack and hence in the current SCC
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
//
// For self-loops, the path is [stage-id, stage-id].
// For multi-node cycles, the path shows a cycle traversal.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		stageID := scc[0]
		return CycleWarning{
			Path:    []string{stageID, stageID},
			Message: fmt.Sprintf("Self-dependent stage: %s → %s", stageID, stageID),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)

	pathStr := strings.Join(path, " → ")
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Feedback loop will be iterated to a fixed point: %s", pathStr),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	// Build set of SCC members for fast lookup
	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	// Follow edges within SCC until we return to start
	for {
		visited[current] = true

		// Find next SCC member reachable from current
		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			break
		}

		path = append(path, next)

		if next == start {
			break
		}

		current = next
	}

	return path
}
