package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/credence/internal/ir"
)

// CompileGraph parses a CUE value into a StageGraph and the optional claim
// stage. Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value is the root of a graph spec:
//
//	stage: extract: { rule: "independent" }
//	stage: link:    { rule: "weighted", upstream: ["extract"], weights: {extract: 1} }
//	claim: "link"
//
// Stages keep their declaration order. A stage without a rule uses the
// independent rule. Downstream sets are derived from upstream declarations.
func CompileGraph(v cue.Value) (*ir.StageGraph, string, error) {
	if err := v.Err(); err != nil {
		return nil, "", formatCUEError(err)
	}

	stagesVal := v.LookupPath(cue.ParsePath("stage"))
	if !stagesVal.Exists() {
		return nil, "", &CompileError{
			Field:   "stage",
			Message: "at least one stage is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := stagesVal.Fields()
	if err != nil {
		return nil, "", formatCUEError(err)
	}

	graph := &ir.StageGraph{}
	for iter.Next() {
		node, err := parseStage(iter.Label(), iter.Value())
		if err != nil {
			return nil, "", err
		}
		graph.Stages = append(graph.Stages, node)
	}
	if len(graph.Stages) == 0 {
		return nil, "", &CompileError{
			Field:   "stage",
			Message: "at least one stage is required",
			Pos:     stagesVal.Pos(),
		}
	}
	graph.Normalize()

	var claim string
	claimVal := v.LookupPath(cue.ParsePath("claim"))
	if claimVal.Exists() {
		claim, err = claimVal.String()
		if err != nil {
			return nil, "", formatCUEError(err)
		}
		claim = ir.NormalizeID(claim)
	}

	return graph, claim, nil
}

// parseStage extracts one stage definition.
func parseStage(id string, v cue.Value) (ir.StageNode, error) {
	node := ir.StageNode{
		ID:   ir.NormalizeID(id),
		Rule: ir.RuleIndependent,
	}

	if ruleVal := v.LookupPath(cue.ParsePath("rule")); ruleVal.Exists() {
		rule, err := ruleVal.String()
		if err != nil {
			return node, formatCUEError(err)
		}
		node.Rule = ir.CombinationRule(rule)
	}

	if upVal := v.LookupPath(cue.ParsePath("upstream")); upVal.Exists() {
		upIter, err := upVal.List()
		if err != nil {
			return node, formatCUEError(err)
		}
		for upIter.Next() {
			up, err := upIter.Value().String()
			if err != nil {
				return node, formatCUEError(err)
			}
			node.Upstream = append(node.Upstream, ir.NormalizeID(up))
		}
	}

	if wVal := v.LookupPath(cue.ParsePath("weights")); wVal.Exists() {
		wIter, err := wVal.Fields()
		if err != nil {
			return node, formatCUEError(err)
		}
		node.Weights = make(map[string]float64)
		for wIter.Next() {
			w, err := wIter.Value().Float64()
			if err != nil {
				return node, &CompileError{
					Field:   fmt.Sprintf("stage.%s.weights.%s", id, wIter.Label()),
					Message: "weight must be a number",
					Pos:     wIter.Value().Pos(),
				}
			}
			node.Weights[ir.NormalizeID(wIter.Label())] = w
		}
	}

	if exprVal := v.LookupPath(cue.ParsePath("expr")); exprVal.Exists() {
		src, err := exprVal.String()
		if err != nil {
			return node, formatCUEError(err)
		}
		node.Expr = src
	}

	if priorVal := v.LookupPath(cue.ParsePath("prior")); priorVal.Exists() {
		p, err := priorVal.Float64()
		if err != nil {
			return node, &CompileError{
				Field:   fmt.Sprintf("stage.%s.prior", id),
				Message: "prior must be a number",
				Pos:     priorVal.Pos(),
			}
		}
		node.Prior = &p
	}

	return node, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
