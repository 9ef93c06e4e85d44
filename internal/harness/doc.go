// Package harness provides scenario testing for credence stage graphs.
//
// A scenario pins a stage graph, the observations and correlations fed to
// it, and the expected outcome of one run. Scenarios are the executable
// contract of a graph: they run in CI and as `credence test`.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: ocr_layout_merge
//	description: "Merging two extractors yields a likely claim"
//	claim: merge
//	graph:
//	  - id: ocr
//	  - id: layout
//	  - id: merge
//	    rule: independent
//	    upstream: [ocr, layout]
//	observations:
//	  - stage: ocr
//	    value: 0.9
//	  - stage: layout
//	    value: 0.7
//	correlations:
//	  - { a: ocr, b: layout, coefficient: 0.4, basis: shared scanner }
//	solver:
//	  max_iterations: 25
//	assertions:
//	  - type: status
//	    status: converged
//	  - type: claim
//	    value: 0.6838
//
// The graph may instead be given as CUE source under `cue:`, compiled the
// same way `credence run` compiles graph directories.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - status: the run's convergence status
//   - iterations: exact (count) or maximum (max) iteration count
//   - claim, claim_bounds: the claim's point value or interval
//   - stage: one stage's value and/or status
//   - band: the qualitative band of the claim or of a stage
//   - correlation_used: the run relied on a tracked correlation
//   - input_error: the engine rejected the run
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory confidence store with a
// deterministic clock (testutil.StepClock) and a fixed run id, so
// identical scenarios produce identical runs and identical reports for
// golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/merge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
