package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/testutil"
)

const cycleGraphCUE = `
package graph

stage: x: {
	rule: "weighted"
	upstream: ["y"]
}
stage: y: {
	rule: "weighted"
	upstream: ["x"]
}
`

const cycleObservations = `entity: loop-1
observations:
  - stage: x
    value: 0.8
  - stage: y
    value: 0.6
`

type runResponse struct {
	Status string    `json:"status"`
	Data   RunOutput `json:"data"`
}

func TestRun_Text(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", mergeObservations)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{graphDir, "--observations", obs, "--trace"})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, ": converged (1 iterations)")
	assert.Contains(t, out, "Claim merge: 0.6838 [0.6838, 0.6838] likely")
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "0.9000 [0.9000, 0.9000]")
	assert.Contains(t, out, "very likely")
	assert.Contains(t, out, "Trace:")
	assert.Contains(t, out, "[1] max_delta=")
}

func TestRun_JSON(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", mergeObservations)

	out, err := execute(t, "run", graphDir, "--observations", obs, "--format", "json")
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Data.Run)

	run := resp.Data.Run
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, ir.RunConverged, run.ConvergenceStatus)
	assert.Equal(t, "merge", run.ClaimStage)
	assert.InDelta(t, 0.6838, run.Result.PointEstimate, 1e-4)
	assert.Equal(t, "likely", resp.Data.Banded.Claim.Band)
	assert.Len(t, run.FinalEstimates, 3)
}

func TestRun_FixedRunID(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", mergeObservations)

	buf := &bytes.Buffer{}
	opts := &RunOptions{
		RootOptions:   &RootOptions{Format: "text"},
		Observations:  obs,
		MaxIterations: 10,
		Tolerance:     0.01,
		RunIDs:        testutil.NewFixedRunID("run-fixed"),
	}
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(buf)

	require.NoError(t, runGraph(opts, graphDir, cmd))
	assert.Contains(t, buf.String(), "Run run-fixed: converged")
}

func TestRun_ClaimOverride(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", mergeObservations)

	out, err := execute(t, "run", graphDir, "--observations", obs, "--claim", "ocr")
	require.NoError(t, err)
	assert.Contains(t, out, "Claim ocr: 0.9000")
}

func TestRun_FlaggedAndStrict(t *testing.T) {
	graphDir := writeGraphDir(t, cycleGraphCUE)
	obs := writeFile(t, "obs.yaml", cycleObservations)

	out, err := execute(t, "run", graphDir, "--observations", obs, "--max-iterations", "1")
	require.NoError(t, err, "a flagged run exits 0 without --strict")
	assert.Contains(t, out, "non_converged")

	_, err = execute(t, "run", graphDir, "--observations", obs, "--max-iterations", "1", "--strict")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "non_converged")
}

func TestRun_InvalidObservation(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", "entity: e\nobservations:\n  - stage: ocr\n    value: 1.5\n")

	out, err := execute(t, "run", graphDir, "--observations", obs, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, ir.IsInputError(err))
	assert.Contains(t, out, "INPUT_ERROR")
}

func TestRun_RejectedGraph(t *testing.T) {
	graphDir := writeGraphDir(t, `
package graph

stage: merge: {
	upstream: ["missing"]
}
`)
	obs := writeFile(t, "obs.yaml", mergeObservations)

	out, err := execute(t, "run", graphDir, "--observations", obs)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [INPUT_ERROR]")
}

func TestRun_LoadErrors(t *testing.T) {
	obs := writeFile(t, "obs.yaml", mergeObservations)

	out, err := execute(t, "run", filepath.Join(t.TempDir(), "absent"), "--observations", obs)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")

	graphDir := writeGraphDir(t, mergeGraphCUE)
	_, err = execute(t, "run", graphDir, "--observations", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load observations")
}

func TestRun_MissingObservationsFlag(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)

	_, err := execute(t, "run", graphDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "observations")
}

func TestRun_DatabaseArchive(t *testing.T) {
	graphDir := writeGraphDir(t, mergeGraphCUE)
	obs := writeFile(t, "obs.yaml", mergeObservations)
	db := filepath.Join(t.TempDir(), "runs.db")

	out, err := execute(t, "run", graphDir, "--observations", obs, "--db", db, "--format", "json")
	require.NoError(t, err)
	var first runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &first))

	// The second run replays the journal of the first before ingesting.
	out, err = execute(t, "run", graphDir, "--observations", obs, "--db", db, "--format", "json")
	require.NoError(t, err)
	var second runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.NotEqual(t, first.Data.Run.RunID, second.Data.Run.RunID)
	assert.InDelta(t, first.Data.Run.Result.PointEstimate, second.Data.Run.Result.PointEstimate, 1e-9)

	out, err = execute(t, "runs", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, first.Data.Run.RunID)
	assert.Contains(t, out, second.Data.Run.RunID)
	assert.Contains(t, out, "converged")
}
