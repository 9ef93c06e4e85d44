// Package engine orchestrates credence runs.
//
// The engine is the boundary of credence. Upstream collaborators Ingest
// per-stage observations, then ask for a Run over a stage graph. A run
// reads the latest observations from the ConfidenceStore, solves the graph
// with the convergence solver, folds the claim into an interval-valued
// Result and returns an immutable PipelineRun.
//
// ARCHITECTURE:
//
// Run Flow:
//  1. Validate the graph, the claim and the solver configuration
//  2. Snapshot the entity's latest observations from the store
//  3. Solve under the request deadline
//  4. Build the claim Result through the degraded-result policy
//  5. Write solved stage values back under namespace run_id
//  6. Archive the run (when an archive is configured)
//
// ERROR HANDLING:
//
// Only INPUT_ERRORs are returned as Go errors. Every operational failure,
// including a panic inside a rule, produces a PipelineRun whose status is
// not converged. Write-back and archive failures are logged; the run is
// still returned.
//
// CONCURRENCY:
//
// Run may be called from many goroutines. Runs share the store and the
// correlation tracker, both safe for concurrent use, and are isolated by
// their run_id namespace. No run blocks another.
package engine
