package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/credence/internal/ir"
)

func loadErrCode(t *testing.T, err error) string {
	t.Helper()
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr), "expected LoadError, got %T: %v", err, err)
	return loadErr.Code
}

func TestLoadGraph(t *testing.T) {
	dir := writeGraphDir(t, mergeGraphCUE)

	spec, err := LoadGraph(dir)
	require.NoError(t, err)

	assert.Equal(t, 1, spec.FileCount)
	assert.Equal(t, "merge", spec.Claim)
	require.Len(t, spec.Graph.Stages, 3)

	merge, ok := spec.Graph.Stage("merge")
	require.True(t, ok)
	assert.Equal(t, ir.RuleIndependent, merge.Rule)
	assert.ElementsMatch(t, []string{"ocr", "layout"}, merge.Upstream)
}

func TestLoadGraph_MultipleFiles(t *testing.T) {
	dir := writeGraphDir(t, "package graph\n\nstage: ocr: {}\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claim.cue"), []byte(`package graph

stage: verdict: {
	rule: "weakest_link"
	upstream: ["ocr"]
}
claim: "verdict"
`), 0o644))

	spec, err := LoadGraph(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, spec.FileCount)
	assert.Len(t, spec.Graph.Stages, 2)
	assert.Equal(t, "verdict", spec.Claim)
}

func TestLoadGraph_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadGraph(filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
		assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))
	})

	t.Run("file instead of directory", func(t *testing.T) {
		path := writeFile(t, "graph.cue", mergeGraphCUE)
		_, err := LoadGraph(path)
		require.Error(t, err)
		assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))
	})

	t.Run("no cue files", func(t *testing.T) {
		_, err := LoadGraph(t.TempDir())
		require.Error(t, err)
		assert.Equal(t, ErrCodeNoFiles, loadErrCode(t, err))
	})

	t.Run("syntax error", func(t *testing.T) {
		dir := writeGraphDir(t, "package graph\n\nstage: ocr: {\n")
		_, err := LoadGraph(dir)
		require.Error(t, err)
		assert.Contains(t, []string{ErrCodeLoadFailed, ErrCodeBuildFailed}, loadErrCode(t, err))
	})

	t.Run("no stages", func(t *testing.T) {
		dir := writeGraphDir(t, "package graph\n\nclaim: \"merge\"\n")
		_, err := LoadGraph(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one stage is required")
	})
}

func TestLoadGraphString(t *testing.T) {
	spec, err := LoadGraphString(`
stage: a: {}
stage: b: {
	rule: "custom"
	upstream: ["a"]
	expr: "a * 0.5"
}
`)
	require.NoError(t, err)
	assert.Empty(t, spec.Claim)
	assert.Equal(t, 0, spec.FileCount)

	b, ok := spec.Graph.Stage("b")
	require.True(t, ok)
	assert.Equal(t, ir.RuleCustom, b.Rule)
	assert.Equal(t, "a * 0.5", b.Expr)

	_, err = LoadGraphString("stage: a: ")
	require.Error(t, err)
	assert.Equal(t, ErrCodeBuildFailed, loadErrCode(t, err))
}

func TestLoadObservations(t *testing.T) {
	path := writeFile(t, "obs.yaml", `entity: invoice-42
observations:
  - stage: ocr
    value: 0.9
    successes: 90
    failures: 10
    correlations:
      - with: layout
        coefficient: 0.4
        basis: shared scanner
  - stage: layout
    entity: invoice-7
    value: 0.7
`)

	file, err := LoadObservations(path)
	require.NoError(t, err)

	assert.Equal(t, "invoice-42", file.Entity)
	require.Len(t, file.Observations, 2)

	ocr := file.Observations[0]
	assert.Equal(t, "invoice-42", ocr.Entity)
	assert.Equal(t, int64(90), ocr.Successes)
	assert.Equal(t, int64(10), ocr.Failures)
	require.Len(t, ocr.Correlations, 1)
	assert.Equal(t, "layout", ocr.Correlations[0].With)

	assert.Equal(t, "invoice-7", file.Observations[1].Entity)
}

func TestLoadObservations_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    string
		msg     string
	}{
		{
			name:    "unknown field",
			content: "entity: e\nobservations:\n  - stage: ocr\n    confidence: 0.9\n",
			code:    ErrCodeBadFile,
			msg:     "confidence",
		},
		{
			name:    "missing entity",
			content: "observations:\n  - stage: ocr\n    value: 0.9\n",
			code:    ErrCodeBadFile,
			msg:     "entity is required",
		},
		{
			name:    "malformed yaml",
			content: "entity: [\n",
			code:    ErrCodeBadFile,
			msg:     "failed to parse observations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadObservations(writeFile(t, "obs.yaml", tt.content))
			require.Error(t, err)
			assert.Equal(t, tt.code, loadErrCode(t, err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, err := LoadObservations(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))
}
