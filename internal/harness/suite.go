package harness

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a batch of scenario files.
type SuiteResult struct {
	TotalScenarios int            `json:"total_scenarios"`
	Passed         int            `json:"passed"`
	Failed         int            `json:"failed"`
	Failures       []SuiteFailure `json:"failures,omitempty"`

	// Scenarios lists every scenario in input order.
	Scenarios []ScenarioOutcome `json:"scenarios"`
}

// ScenarioOutcome is the result of one scenario file.
type ScenarioOutcome struct {
	Name   string   `json:"name,omitempty"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Status string   `json:"status,omitempty"` // run convergence status, empty when rejected
	Errors []string `json:"errors,omitempty"`
}

// SuiteFailure represents one scenario that did not pass.
type SuiteFailure struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool {
	return r.Failed == 0
}

// Discover returns every scenario file (*.yaml, *.yml) under root, sorted.
// A root that is itself a file is returned as is.
func Discover(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if path == root || isScenarioFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover scenarios in %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func isScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// RunFiles loads and runs each scenario file and collects the results.
//
// For each file:
// 1. Load the scenario
// 2. Run it via harness.Run
// 3. Record a failure for load errors, setup errors and failed assertions
func RunFiles(paths []string) *SuiteResult {
	result := &SuiteResult{Scenarios: make([]ScenarioOutcome, 0, len(paths))}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(SuiteFailure{
				ScenarioPath: path,
				Error:        fmt.Sprintf("failed to load scenario: %v", err),
			})
			continue
		}

		runResult, err := Run(scenario)
		if err != nil {
			result.fail(SuiteFailure{
				Scenario:     scenario.Name,
				ScenarioPath: path,
				Error:        fmt.Sprintf("scenario execution failed: %v", err),
			})
			continue
		}

		outcome := ScenarioOutcome{
			Name:   scenario.Name,
			Path:   path,
			Pass:   runResult.Pass,
			Errors: runResult.Errors,
		}
		if runResult.Run != nil {
			outcome.Status = string(runResult.Run.ConvergenceStatus)
		}
		result.Scenarios = append(result.Scenarios, outcome)

		if !runResult.Pass {
			result.Failed++
			result.Failures = append(result.Failures, SuiteFailure{
				Scenario:     scenario.Name,
				ScenarioPath: path,
				Error:        fmt.Sprintf("scenario assertions failed: %v", runResult.Errors),
			})
			continue
		}

		result.Passed++
	}

	return result
}

// fail records a scenario that could not be loaded or run.
func (r *SuiteResult) fail(f SuiteFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
	r.Scenarios = append(r.Scenarios, ScenarioOutcome{
		Name:   f.Scenario,
		Path:   f.ScenarioPath,
		Errors: []string{f.Error},
	})
}
