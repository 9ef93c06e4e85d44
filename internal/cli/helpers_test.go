package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const mergeGraphCUE = `
package graph

stage: ocr: {}
stage: layout: {}
stage: merge: {
	rule: "independent"
	upstream: ["ocr", "layout"]
}
claim: "merge"
`

const mergeObservations = `entity: invoice-42
observations:
  - stage: ocr
    value: 0.9
  - stage: layout
    value: 0.7
`

// writeGraphDir writes src as graph.cue in a fresh directory.
func writeGraphDir(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "graph")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "graph.cue"), []byte(src), 0o644))
	return dir
}

// writeFile writes content to name in a fresh directory.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout and the error.
// Diagnostics go to a separate buffer so JSON output stays parseable.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}
