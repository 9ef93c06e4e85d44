package testutil

import "github.com/roach88/credence/internal/ir"

// Stage builds a stage node.
func Stage(id string, rule ir.CombinationRule, upstream ...string) ir.StageNode {
	return ir.StageNode{ID: id, Rule: rule, Upstream: upstream}
}

// Graph builds a normalized stage graph in declaration order.
func Graph(stages ...ir.StageNode) *ir.StageGraph {
	g := &ir.StageGraph{Stages: stages}
	g.Normalize()
	return g
}

// Prior returns a pointer to p for StageNode.Prior.
func Prior(p float64) *float64 {
	return &p
}
