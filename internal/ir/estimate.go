package ir

import (
	"fmt"
	"math"
	"time"
)

// Epsilon is the distance from 0 and 1 that every confidence value keeps
// before it enters a combination. A value of exactly 0 or 1 has zero
// variance and would dominate every later combination permanently.
const Epsilon = 0.001

// Clamp pins v into [Epsilon, 1-Epsilon]. NaN maps to 0.5.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < Epsilon {
		return Epsilon
	}
	if v > 1-Epsilon {
		return 1 - Epsilon
	}
	return v
}

// InUnitRange reports whether v is a finite value in [0,1].
func InUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Status is the health of a single estimate or stage result.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"

	// StatusNoData marks the sentinel estimate returned for absent keys.
	StatusNoData Status = "no_data"
)

// ValidStatuses lists the statuses a caller may write.
var ValidStatuses = map[Status]bool{
	StatusSuccess:  true,
	StatusDegraded: true,
	StatusFailed:   true,
}

// Key addresses one versioned series in the confidence store.
//
// Namespace is empty for observations ingested from upstream collaborators
// and equals a run id for values written back by that run.
type Key struct {
	Namespace string `json:"namespace,omitempty"`
	Entity    string `json:"entity_id"`
	Stage     string `json:"stage_id"`
}

// String renders the key as namespace/entity/stage.
func (k Key) String() string {
	if k.Namespace == "" {
		return fmt.Sprintf("%s/%s", k.Entity, k.Stage)
	}
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.Entity, k.Stage)
}

// Estimate is one immutable version of a confidence value.
type Estimate struct {
	Namespace  string      `json:"namespace,omitempty"`
	EntityID   string      `json:"entity_id"`
	StageID    string      `json:"stage_id"`
	Value      float64     `json:"value"`
	Version    int64       `json:"version"`
	Seq        int64       `json:"seq"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     Status      `json:"status"`
	LowerBound float64     `json:"lower_bound"`
	UpperBound float64     `json:"upper_bound"`
	Beta       *BetaParams `json:"beta,omitempty"`
}

// Key returns the store key this estimate belongs to.
func (e Estimate) Key() Key {
	return Key{Namespace: e.Namespace, Entity: e.EntityID, Stage: e.StageID}
}

// IsNoData reports whether e is the absent-key sentinel.
func (e Estimate) IsNoData() bool {
	return e.Status == StatusNoData
}

// NoData returns the sentinel estimate for an absent key. Version is 0 and
// the bounds span the whole unit interval, so a caller that ignores the
// status still sees maximal uncertainty.
func NoData(k Key) Estimate {
	return Estimate{
		Namespace:  k.Namespace,
		EntityID:   k.Entity,
		StageID:    k.Stage,
		Value:      0.5,
		Status:     StatusNoData,
		LowerBound: 0,
		UpperBound: 1,
	}
}
