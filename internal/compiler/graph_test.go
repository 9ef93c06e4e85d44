package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/credence/internal/ir"
)

func TestCompileGraphBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		stage: extract: { rule: "independent" }
		stage: resolve: {
			rule: "custom"
			upstream: ["link"]
			expr: "0.5 * values.link + 0.4"
		}
		stage: link: {
			rule: "weighted"
			upstream: ["extract", "resolve"]
			weights: { extract: 0.5, resolve: 0.5 }
			prior: 0.6
		}
		claim: "link"
	`)
	require.NoError(t, v.Err())

	g, claim, err := CompileGraph(v)
	require.NoError(t, err)

	assert.Equal(t, "link", claim)
	assert.Equal(t, []string{"extract", "resolve", "link"}, g.IDs(), "declaration order is kept")

	link, ok := g.Stage("link")
	require.True(t, ok)
	assert.Equal(t, ir.RuleWeighted, link.Rule)
	assert.Equal(t, []string{"extract", "resolve"}, link.Upstream)
	assert.Equal(t, map[string]float64{"extract": 0.5, "resolve": 0.5}, link.Weights)
	require.NotNil(t, link.Prior)
	assert.Equal(t, 0.6, *link.Prior)
	assert.Equal(t, []string{"resolve"}, link.Downstream)

	resolve, _ := g.Stage("resolve")
	assert.Equal(t, "0.5 * values.link + 0.4", resolve.Expr)

	extract, _ := g.Stage("extract")
	assert.Empty(t, extract.Upstream)
	assert.Equal(t, []string{"link"}, extract.Downstream)
}

func TestCompileGraphDefaultRule(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`stage: "ocr-pass": {}`)

	g, claim, err := CompileGraph(v)
	require.NoError(t, err)
	assert.Empty(t, claim)
	require.Len(t, g.Stages, 1)
	assert.Equal(t, "ocr-pass", g.Stages[0].ID)
	assert.Equal(t, ir.RuleIndependent, g.Stages[0].Rule)
}

func TestCompileGraphIntegerPrior(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`stage: a: { prior: 1 }`)

	g, _, err := CompileGraph(v)
	require.NoError(t, err)
	require.NotNil(t, g.Stages[0].Prior)
	assert.Equal(t, 1.0, *g.Stages[0].Prior)
}

func TestCompileGraphMissingStages(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`claim: "x"`)

	_, _, err := CompileGraph(v)
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "stage", compileErr.Field)
}

func TestCompileGraphTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"rule not a string", `stage: a: { rule: 3 }`},
		{"upstream not a list", `stage: a: { upstream: "b" }`},
		{"weight not a number", `stage: a: { weights: { b: "heavy" } }`},
		{"prior not a number", `stage: a: { prior: "high" }`},
		{"claim not a string", `stage: a: {}, claim: 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := cuecontext.New()
			v := ctx.CompileString(tt.src)
			require.NoError(t, v.Err())

			_, _, err := CompileGraph(v)
			assert.Error(t, err)
		})
	}
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "stage", Message: "at least one stage is required"}
	assert.Equal(t, "stage: at least one stage is required", err.Error())
}
