package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/credence/internal/engine"
	"github.com/roach88/credence/internal/ir"
	"github.com/roach88/credence/internal/solver"
)

// Scenario defines one reproducible credence run and its expectations.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Graph is the stage graph as inline YAML. Exactly one of Graph and
	// CUE must be set.
	Graph []StageSpec `yaml:"graph,omitempty"`

	// CUE is the stage graph as inline CUE source.
	CUE string `yaml:"cue,omitempty"`

	// Claim is the claim stage. A claim declared in CUE is used when empty.
	Claim string `yaml:"claim,omitempty"`

	// Entity owns the observations (default "scenario").
	Entity string `yaml:"entity,omitempty"`

	// RunID is the fixed run id for deterministic golden comparison.
	// If empty, defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`

	// Observations are ingested before the run, in order. Entity may be
	// omitted.
	Observations []engine.Observation `yaml:"observations,omitempty"`

	// Correlations are recorded directly in the tracker.
	Correlations []CorrelationSpec `yaml:"correlations,omitempty"`

	// Solver overrides solver settings; unset fields keep their defaults.
	Solver *SolverSpec `yaml:"solver,omitempty"`

	// Deadline bounds the solve, as a Go duration string.
	Deadline string `yaml:"deadline,omitempty"`

	// Assertions validate the finished run.
	Assertions []Assertion `yaml:"assertions"`
}

// StageSpec is one stage of an inline YAML graph.
type StageSpec struct {
	ID       string             `yaml:"id"`
	Rule     string             `yaml:"rule,omitempty"`
	Upstream []string           `yaml:"upstream,omitempty"`
	Weights  map[string]float64 `yaml:"weights,omitempty"`
	Expr     string             `yaml:"expr,omitempty"`
	Prior    *float64           `yaml:"prior,omitempty"`
}

// CorrelationSpec is one tracker entry.
type CorrelationSpec struct {
	A           string  `yaml:"a"`
	B           string  `yaml:"b"`
	Coefficient float64 `yaml:"coefficient"`
	Basis       string  `yaml:"basis,omitempty"`
}

// SolverSpec overrides solver.Config fields.
type SolverSpec struct {
	MaxIterations *int     `yaml:"max_iterations,omitempty"`
	Tolerance     *float64 `yaml:"tolerance,omitempty"`
	Bootstrap     *float64 `yaml:"bootstrap,omitempty"`
	Seed          *uint64  `yaml:"seed,omitempty"`
	Parallel      bool     `yaml:"parallel,omitempty"`
	Samples       *int     `yaml:"samples,omitempty"`
}

// Config applies the overrides to the default solver configuration.
func (s *SolverSpec) Config() solver.Config {
	cfg := solver.DefaultConfig()
	if s == nil {
		return cfg
	}
	if s.MaxIterations != nil {
		cfg.MaxIterations = *s.MaxIterations
	}
	if s.Tolerance != nil {
		cfg.Tolerance = *s.Tolerance
	}
	if s.Bootstrap != nil {
		cfg.Bootstrap = *s.Bootstrap
	}
	if s.Seed != nil {
		cfg.Seed = *s.Seed
	}
	if s.Samples != nil {
		cfg.Samples = *s.Samples
	}
	cfg.Parallel = s.Parallel
	return cfg
}

// StageGraph builds the inline YAML graph.
func (s *Scenario) StageGraph() *ir.StageGraph {
	g := &ir.StageGraph{Stages: make([]ir.StageNode, len(s.Graph))}
	for i, spec := range s.Graph {
		rule := ir.CombinationRule(spec.Rule)
		if rule == "" {
			rule = ir.RuleIndependent
		}
		upstream := make([]string, len(spec.Upstream))
		for j, up := range spec.Upstream {
			upstream[j] = ir.NormalizeID(up)
		}
		var weights map[string]float64
		if spec.Weights != nil {
			weights = make(map[string]float64, len(spec.Weights))
			for id, w := range spec.Weights {
				weights[ir.NormalizeID(id)] = w
			}
		}
		g.Stages[i] = ir.StageNode{
			ID:       ir.NormalizeID(spec.ID),
			Upstream: upstream,
			Rule:     rule,
			Expr:     spec.Expr,
			Weights:  weights,
			Prior:    spec.Prior,
		}
	}
	g.Normalize()
	return g
}

// Assertion validates the finished run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": run convergence status equals Status
	// - "iterations": iteration count equals Count, or is at most Max
	// - "claim": claim point estimate equals Value within Tolerance
	// - "claim_bounds": claim interval equals [Lower, Upper] within Tolerance
	// - "stage": stage value (and optionally Status) of Stage
	// - "band": band of the claim, or of Stage when set, equals Band
	// - "correlation_used": the run relied on the A~B correlation
	// - "input_error": the run is rejected with an INPUT_ERROR containing Contains
	Type string `yaml:"type"`

	Status    string   `yaml:"status,omitempty"`
	Count     *int     `yaml:"count,omitempty"`
	Max       *int     `yaml:"max,omitempty"`
	Value     *float64 `yaml:"value,omitempty"`
	Lower     *float64 `yaml:"lower,omitempty"`
	Upper     *float64 `yaml:"upper,omitempty"`
	Tolerance float64  `yaml:"tolerance,omitempty"`
	Stage     string   `yaml:"stage,omitempty"`
	Band      string   `yaml:"band,omitempty"`
	A         string   `yaml:"a,omitempty"`
	B         string   `yaml:"b,omitempty"`
	Contains  string   `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus          = "status"
	AssertIterations      = "iterations"
	AssertClaim           = "claim"
	AssertClaimBounds     = "claim_bounds"
	AssertStage           = "stage"
	AssertBand            = "band"
	AssertCorrelationUsed = "correlation_used"
	AssertInputError      = "input_error"
)

// DefaultTolerance applies to numeric assertions without a tolerance.
const DefaultTolerance = 1e-4

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
// Value ranges are left to the engine so scenarios can exercise its input
// validation.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case len(s.Graph) == 0 && s.CUE == "":
		return fmt.Errorf("graph or cue is required")
	case len(s.Graph) > 0 && s.CUE != "":
		return fmt.Errorf("graph and cue are mutually exclusive")
	}

	if s.Deadline != "" {
		if _, err := time.ParseDuration(s.Deadline); err != nil {
			return fmt.Errorf("deadline: %w", err)
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", index)
		}
	case AssertIterations:
		if a.Count == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: count or max is required for iterations", index)
		}
	case AssertClaim:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for claim", index)
		}
	case AssertClaimBounds:
		if a.Lower == nil || a.Upper == nil {
			return fmt.Errorf("assertions[%d]: lower and upper are required for claim_bounds", index)
		}
	case AssertStage:
		if a.Stage == "" {
			return fmt.Errorf("assertions[%d]: stage is required for stage", index)
		}
		if a.Value == nil && a.Status == "" {
			return fmt.Errorf("assertions[%d]: value or status is required for stage", index)
		}
	case AssertBand:
		if a.Band == "" {
			return fmt.Errorf("assertions[%d]: band is required for band", index)
		}
	case AssertCorrelationUsed:
		if a.A == "" || a.B == "" {
			return fmt.Errorf("assertions[%d]: a and b are required for correlation_used", index)
		}
	case AssertInputError:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Tolerance < 0 {
		return fmt.Errorf("assertions[%d]: tolerance must be non-negative", index)
	}
	return nil
}
