package ir

import (
	"sort"
	"time"
)

// CombinationRule names how a stage combines its inputs.
type CombinationRule string

const (
	RuleIndependent CombinationRule = "independent"
	RuleCorrelated  CombinationRule = "correlated"
	RuleBeta        CombinationRule = "beta"
	RuleMonteCarlo  CombinationRule = "monte_carlo"
	RuleWeighted    CombinationRule = "weighted"
	RuleWeakestLink CombinationRule = "weakest_link"
	RuleCustom      CombinationRule = "custom"
)

// ValidRules defines the allowed combination rules.
var ValidRules = map[CombinationRule]bool{
	RuleIndependent: true,
	RuleCorrelated:  true,
	RuleBeta:        true,
	RuleMonteCarlo:  true,
	RuleWeighted:    true,
	RuleWeakestLink: true,
	RuleCustom:      true,
}

// StageNode is one processing stage in the dependency graph.
type StageNode struct {
	ID         string             `json:"id"`
	Upstream   []string           `json:"upstream_deps"`
	Downstream []string           `json:"downstream_deps"`
	Rule       CombinationRule    `json:"combination_rule"`
	Expr       string             `json:"expr,omitempty"`    // custom rule only
	Weights    map[string]float64 `json:"weights,omitempty"` // weighted rule only
	Prior      *float64           `json:"prior,omitempty"`   // bootstrap override
}

// SelfDependent reports whether the stage lists itself as an upstream.
func (s StageNode) SelfDependent() bool {
	for _, up := range s.Upstream {
		if up == s.ID {
			return true
		}
	}
	return false
}

// ObservationSource is the input source id carrying a stage's own
// observation. It is the stage id, except for a self-dependent stage where
// the stage id already names its previous value.
func (s StageNode) ObservationSource() string {
	if s.SelfDependent() {
		return s.ID + ObservationSuffix
	}
	return s.ID
}

// ObservationSuffix marks the observation input of a self-dependent stage.
const ObservationSuffix = "#obs"

// StageGraph is the stage dependency graph in declaration order.
// The graph may contain cycles.
type StageGraph struct {
	Stages []StageNode `json:"stages"`
}

// Stage returns the node with the given id.
func (g *StageGraph) Stage(id string) (StageNode, bool) {
	for _, s := range g.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageNode{}, false
}

// IDs returns stage ids in declaration order.
func (g *StageGraph) IDs() []string {
	ids := make([]string, len(g.Stages))
	for i, s := range g.Stages {
		ids[i] = s.ID
	}
	return ids
}

// Sinks returns the ids of stages nothing depends on, in declaration order.
func (g *StageGraph) Sinks() []string {
	var sinks []string
	for _, s := range g.Stages {
		if len(s.Downstream) == 0 {
			sinks = append(sinks, s.ID)
		}
	}
	return sinks
}

// Normalize recomputes every stage's Downstream set from the Upstream
// declarations. Downstream lists follow declaration order.
func (g *StageGraph) Normalize() {
	down := make(map[string][]string, len(g.Stages))
	for _, s := range g.Stages {
		for _, up := range s.Upstream {
			down[up] = append(down[up], s.ID)
		}
	}
	for i := range g.Stages {
		d := down[g.Stages[i].ID]
		if d == nil {
			d = []string{}
		}
		g.Stages[i].Downstream = d
	}
}

// CorrelationEntry is a tracked pairwise correlation between two sources.
// SourceA <= SourceB always holds for stored entries.
type CorrelationEntry struct {
	SourceA     string  `json:"source_a"`
	SourceB     string  `json:"source_b"`
	Coefficient float64 `json:"coefficient"`
	Basis       string  `json:"basis,omitempty"`
}

// OrderedPair returns a, b sorted so the pair has one canonical form.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

const (
	RunConverged    RunStatus = "converged"
	RunNonConverged RunStatus = "non_converged"
	RunDegraded     RunStatus = "degraded"
	RunTimeout      RunStatus = "timeout"
	RunFailed       RunStatus = "failed"
)

// Flagged reports whether downstream consumers must treat the status as
// reduced reliability.
func (s RunStatus) Flagged() bool {
	return s != RunConverged
}

// IterationRecord captures one solver sweep.
type IterationRecord struct {
	Iteration int                `json:"iteration"`
	MaxDelta  float64            `json:"max_delta"`
	Deltas    map[string]float64 `json:"deltas"`
	Values    map[string]float64 `json:"values"`
}

// StageResult is the solved confidence of one stage.
type StageResult struct {
	StageID    string      `json:"stage_id"`
	Value      float64     `json:"value"`
	LowerBound float64     `json:"lower_bound"`
	UpperBound float64     `json:"upper_bound"`
	Status     Status      `json:"status"`
	Method     string      `json:"method"`
	Reason     string      `json:"reason,omitempty"`
	Beta       *BetaParams `json:"beta,omitempty"`
}

// Result is the interval-valued claim confidence handed downstream.
type Result struct {
	PointEstimate float64   `json:"point_estimate"`
	LowerBound    float64   `json:"lower_bound"`
	UpperBound    float64   `json:"upper_bound"`
	Status        RunStatus `json:"status"`
	Reason        string    `json:"reason,omitempty"`
}

// PipelineRun is the record produced for downstream collaborators.
// It is immutable once FinishedAt is set.
type PipelineRun struct {
	RunID             string                 `json:"run_id"`
	GraphHash         string                 `json:"graph_hash"`
	StageGraph        StageGraph             `json:"stage_graph"`
	ClaimStage        string                 `json:"claim_stage,omitempty"`
	ConvergenceStatus RunStatus              `json:"convergence_status"`
	IterationCount    int                    `json:"iteration_count"`
	IterationTrace    []IterationRecord      `json:"iteration_trace"`
	FinalEstimates    map[string]StageResult `json:"final_estimates"`
	Result            Result                 `json:"result"`
	CorrelationsUsed  []CorrelationEntry     `json:"correlations_used"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        time.Time              `json:"finished_at"`
	EngineVersion     string                 `json:"engine_version"`
	SchemaVersion     string                 `json:"schema_version"`
}

// StageIDs returns the ids present in FinalEstimates, sorted.
func (r *PipelineRun) StageIDs() []string {
	ids := make([]string, 0, len(r.FinalEstimates))
	for id := range r.FinalEstimates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
