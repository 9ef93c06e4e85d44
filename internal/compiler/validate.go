package compiler

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/propagation"
)

// Validation error codes (E100-E199)
const (
	// Graph errors (E100-E109)
	ErrEmptyGraph        = "E100" // graph has no stages
	ErrEmptyStageID      = "E101" // stage id is required
	ErrDuplicateStage    = "E102" // duplicate stage id
	ErrUnknownUpstream   = "E103" // upstream id not declared
	ErrDuplicateUpstream = "E104" // upstream id listed twice
	ErrUnknownClaim      = "E105" // claim stage not declared

	// Rule errors (E110-E119)
	ErrUnknownRule    = "E110" // combination rule not recognized
	ErrInvalidWeight  = "E111" // weight negative or on a non-input
	ErrInvalidPrior   = "E112" // prior outside [0,1]
	ErrMissingExpr    = "E113" // custom rule without expression
	ErrInvalidExpr    = "E114" // expression does not compile
	ErrUndefinedInput = "E115" // expression references a non-input
	ErrStrayField     = "E116" // field not used by the stage's rule
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateGraph validates a compiled stage graph.
// Returns all errors found (does not fail-fast). Cycles are not errors;
// see AnalyzeCycles.
func ValidateGraph(g *ir.StageGraph) []ValidationError {
	var errs []ValidationError

	// E100: at least one stage
	if g == nil || len(g.Stages) == 0 {
		return []ValidationError{{
			Field:   "stages",
			Message: "at least one stage is required",
			Code:    ErrEmptyGraph,
		}}
	}

	declared := make(map[string]bool, len(g.Stages))
	for i, s := range g.Stages {
		field := fmt.Sprintf("stages[%d].id", i)

		// E101: id is required
		if strings.TrimSpace(s.ID) == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "stage id is required and must be non-empty",
				Code:    ErrEmptyStageID,
			})
			continue
		}

		// E102: duplicate id
		if declared[s.ID] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate stage id: %q", s.ID),
				Code:    ErrDuplicateStage,
			})
		}
		declared[s.ID] = true
	}

	for i, s := range g.Stages {
		errs = append(errs, validateStage(i, s, declared)...)
	}

	return errs
}

// validateStage validates one stage against the set of declared ids.
func validateStage(i int, s ir.StageNode, declared map[string]bool) []ValidationError {
	var errs []ValidationError
	prefix := fmt.Sprintf("stages[%d]", i)

	inputs := map[string]bool{s.ObservationSource(): true}
	seen := make(map[string]bool, len(s.Upstream))
	for j, up := range s.Upstream {
		field := fmt.Sprintf("%s.upstream[%d]", prefix, j)

		// E103: upstream must be declared
		if !declared[up] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("stage %q depends on undeclared stage %q", s.ID, up),
				Code:    ErrUnknownUpstream,
			})
		}

		// E104: no duplicate upstream
		if seen[up] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("stage %q lists %q more than once", s.ID, up),
				Code:    ErrDuplicateUpstream,
			})
		}
		seen[up] = true
		inputs[up] = true
	}

	// E110: known rule
	if !ir.ValidRules[s.Rule] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".rule",
			Message: fmt.Sprintf("unknown combination rule %q", s.Rule),
			Code:    ErrUnknownRule,
		})
	}

	// E112: prior in range
	if s.Prior != nil && !ir.InUnitRange(*s.Prior) {
		errs = append(errs, ValidationError{
			Field:   prefix + ".prior",
			Message: fmt.Sprintf("prior %v outside [0,1]", *s.Prior),
			Code:    ErrInvalidPrior,
		})
	}

	errs = append(errs, validateWeights(prefix, s, inputs)...)
	errs = append(errs, validateExpr(prefix, s, inputs)...)

	return errs
}

func validateWeights(prefix string, s ir.StageNode, inputs map[string]bool) []ValidationError {
	var errs []ValidationError

	// E116: weights only on weighted stages
	if len(s.Weights) > 0 && s.Rule != ir.RuleWeighted {
		errs = append(errs, ValidationError{
			Field:   prefix + ".weights",
			Message: fmt.Sprintf("weights are only used by the %q rule", ir.RuleWeighted),
			Code:    ErrStrayField,
		})
	}

	for _, src := range sortedKeys(s.Weights) {
		w := s.Weights[src]
		field := fmt.Sprintf("%s.weights.%s", prefix, src)

		// E111: weight on an input, finite and non-negative
		if !inputs[src] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("weight for %q which is not an input of %q", src, s.ID),
				Code:    ErrInvalidWeight,
			})
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("weight must be a finite number >= 0, got %v", w),
				Code:    ErrInvalidWeight,
			})
		}
	}
	return errs
}

func validateExpr(prefix string, s ir.StageNode, inputs map[string]bool) []ValidationError {
	field := prefix + ".expr"

	if s.Rule != ir.RuleCustom {
		// E116: expr only on custom stages
		if strings.TrimSpace(s.Expr) != "" {
			return []ValidationError{{
				Field:   field,
				Message: fmt.Sprintf("expr is only used by the %q rule", ir.RuleCustom),
				Code:    ErrStrayField,
			}}
		}
		return nil
	}

	// E113: custom rule needs an expression
	if strings.TrimSpace(s.Expr) == "" {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("custom stage %q requires an expression", s.ID),
			Code:    ErrMissingExpr,
		}}
	}

	// E114: expression compiles
	if err := propagation.CompileExpr(s.Expr); err != nil {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("invalid expression %q: %v", s.Expr, err),
			Code:    ErrInvalidExpr,
		}}
	}

	// E115: values.<id> references name inputs
	var errs []ValidationError
	for _, ref := range extractInputRefs(s.Expr) {
		if !inputs[ref] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("expression references %q which is not an input of %q", ref, s.ID),
				Code:    ErrUndefinedInput,
			})
		}
	}
	return errs
}

// ValidateClaim checks that claim, when set, names a declared stage.
func ValidateClaim(g *ir.StageGraph, claim string) []ValidationError {
	if claim == "" || g == nil {
		return nil
	}
	if _, ok := g.Stage(claim); ok {
		return nil
	}
	return []ValidationError{{
		Field:   "claim",
		Message: fmt.Sprintf("claim stage %q is not declared", claim),
		Code:    ErrUnknownClaim,
	}}
}

// AsInputError folds validation errors into a single INPUT_ERROR.
// Returns nil for an empty list.
func AsInputError(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make(map[string]string, len(errs))
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
		key := e.Field
		if prev, ok := details[key]; ok {
			details[key] = prev + "; " + e.Message
			continue
		}
		details[key] = e.Message
	}
	return &ir.Error{
		Code:    ir.CodeInputError,
		Message: fmt.Sprintf("invalid stage graph: %s", strings.Join(msgs, "; ")),
		Details: details,
	}
}

// inputRefPattern matches values.stage_id and values["source"] references
// in expressions.
var inputRefPattern = regexp.MustCompile(`values(?:\.([a-zA-Z_][a-zA-Z0-9_]*)|\["([^"]+)"\])`)

// extractInputRefs extracts referenced input ids from an expression string.
func extractInputRefs(expr string) []string {
	matches := inputRefPattern.FindAllStringSubmatch(expr, -1)
	refs := make([]string, 0, len(matches))
	for _, match := range matches {
		if match[1] != "" {
			refs = append(refs, match[1])
		} else {
			refs = append(refs, match[2])
		}
	}
	return refs
}

func sortedKeys(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}
