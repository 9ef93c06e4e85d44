package propagation

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/credence/internal/ir"
)

// Custom evaluates a user expression over the stage's inputs.
//
// The expression sees:
//
//	values       map of input source id to confidence
//	inputs       input confidences in input order
//	stage        the stage id
//	clamp(x)     bound x to [ε, 1-ε]
//	independent(xs...) the independent combination of its arguments
//
// The result is clamped. When any input carries Beta parameters the
// expression is evaluated sample-wise by Monte Carlo.
type Custom struct {
	stage   string
	source  string
	program *vm.Program
}

// NewCustom compiles source. An empty or malformed expression is an
// INPUT_ERROR.
func NewCustom(stage, source string) (*Custom, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ir.NewInputError(stage, "custom rule requires an expression")
	}
	program, err := expr.Compile(source, exprOptions()...)
	if err != nil {
		return nil, &ir.Error{
			Code:    ir.CodeInputError,
			Message: "invalid custom expression",
			Stage:   stage,
			Details: map[string]string{"expr": source},
			Err:     err,
		}
	}
	return &Custom{stage: stage, source: source, program: program}, nil
}

// CompileExpr reports whether source is a valid custom expression.
func CompileExpr(source string) error {
	_, err := expr.Compile(source, exprOptions()...)
	return err
}

func exprOptions() []expr.Option {
	return []expr.Option{
		expr.Env(exprEnv(map[string]float64{}, []float64{}, "")),
		expr.AsFloat64(),
		expr.Function("clamp", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("clamp: want 1 argument, got %d", len(params))
			}
			xs, err := floats(params)
			if err != nil {
				return nil, err
			}
			return Clamp(xs[0]), nil
		}),
		expr.Function("independent", func(params ...any) (any, error) {
			xs, err := floats(params)
			if err != nil {
				return nil, err
			}
			return IndependentCombine(xs...), nil
		}),
	}
}

func exprEnv(values map[string]float64, inputs []float64, stage string) map[string]any {
	return map[string]any{
		"values": values,
		"inputs": inputs,
		"stage":  stage,
	}
}

// floats flattens numeric expression arguments, including arrays.
func floats(params []any) ([]float64, error) {
	var out []float64
	for _, p := range params {
		switch v := p.(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		case []float64:
			out = append(out, v...)
		case []any:
			nested, err := floats(v)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		default:
			return nil, fmt.Errorf("expected number, got %T", p)
		}
	}
	return out, nil
}

// Expr returns the expression source.
func (c *Custom) Expr() string {
	return c.source
}

func (c *Custom) eval(env map[string]any) (float64, error) {
	out, err := expr.Run(c.program, env)
	if err != nil {
		return 0, fmt.Errorf("custom rule %s: %w", c.stage, err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("custom rule %s: result %T is not a number", c.stage, out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("custom rule %s: %w", c.stage, ErrNonFinite)
	}
	return v, nil
}

// Combine implements Rule. Inputs are clamped before the expression sees
// them.
func (c *Custom) Combine(in Inputs) (Outcome, error) {
	values := make(map[string]float64, len(in.Items))
	point := make([]float64, len(in.Items))
	sampled := false
	for i, item := range in.Items {
		point[i] = Clamp(item.Value)
		values[item.Source] = point[i]
		if item.Beta != nil {
			sampled = true
		}
	}
	env := exprEnv(values, point, in.Stage)

	if !sampled {
		v, err := c.eval(env)
		if err != nil {
			return Outcome{}, err
		}
		return pointOutcome(v, string(ir.RuleCustom)), nil
	}

	// One env reused across samples; MonteCarlo evaluates sequentially.
	s, err := MonteCarlo(in.Items, func(xs []float64) (float64, error) {
		for i, item := range in.Items {
			point[i] = Clamp(xs[i])
			values[item.Source] = point[i]
		}
		v, err := c.eval(env)
		if err != nil {
			return 0, err
		}
		return Clamp(v), nil
	}, in.mcConfig())
	if err != nil {
		return Outcome{}, err
	}
	return summaryOutcome(s, string(ir.RuleCustom)+"/"+string(ir.RuleMonteCarlo)), nil
}
