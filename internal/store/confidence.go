package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/credence/internal/ir"
)

// Journal receives every accepted estimate before it becomes visible.
// *Store implements it with a SQLite append-only table.
type Journal interface {
	AppendEstimate(ctx context.Context, est ir.Estimate) error
}

// ConflictMode selects how concurrent writes to one key are reconciled.
type ConflictMode int

const (
	// ConflictLastWriteWins keeps the write with the latest timestamp.
	ConflictLastWriteWins ConflictMode = iota

	// ConflictWindowedAverage averages writes that land within a window.
	ConflictWindowedAverage
)

// ConflictPolicy reconciles a new write against a key's history.
type ConflictPolicy struct {
	Mode   ConflictMode
	Window time.Duration
}

// LastWriteWins is the default policy: a write whose timestamp is older
// than the latest version is stale and is dropped.
func LastWriteWins() ConflictPolicy {
	return ConflictPolicy{Mode: ConflictLastWriteWins}
}

// WindowedAverage averages every version written within window of the
// incoming write, including the incoming value.
func WindowedAverage(window time.Duration) ConflictPolicy {
	return ConflictPolicy{Mode: ConflictWindowedAverage, Window: window}
}

// series is the version log of one key.
//
// Writers serialize on mu. Readers load snap, an immutable slice that is
// replaced (never modified) on every accepted write. writes holds the value
// each accepted version was written with, before any averaging; it is only
// touched under mu.
type series struct {
	mu     sync.Mutex
	snap   atomic.Pointer[[]ir.Estimate]
	writes []rawWrite
}

// rawWrite is an accepted write as the caller made it.
type rawWrite struct {
	value     float64
	timestamp time.Time
}

func (s *series) load() []ir.Estimate {
	p := s.snap.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ConfidenceStore is the versioned, concurrency-safe record of per-(entity,
// stage) confidence estimates.
//
// Thread-safety model:
//   - Put(): one lock per key; writes to different keys never contend
//   - GetLatest/Lookup/GetHistory(): lock-free reads of immutable snapshots
//
// INVARIANTS:
//   - Versions strictly increase per key, starting at 1
//   - A published version is never mutated
//   - Missing keys yield the ir.NoData sentinel, never an error
type ConfidenceStore struct {
	series  sync.Map // ir.Key -> *series
	clock   *Clock
	policy  ConflictPolicy
	journal Journal
	now     func() time.Time
	logger  *slog.Logger
}

// ConfidenceOption configures a ConfidenceStore.
type ConfidenceOption func(*ConfidenceStore)

// WithConflictPolicy sets the conflict policy (default LastWriteWins).
func WithConflictPolicy(p ConflictPolicy) ConfidenceOption {
	return func(cs *ConfidenceStore) {
		cs.policy = p
	}
}

// WithJournal enables write-through durability.
func WithJournal(j Journal) ConfidenceOption {
	return func(cs *ConfidenceStore) {
		cs.journal = j
	}
}

// WithClock sets the logical clock. Used by replay and tests.
func WithClock(c *Clock) ConfidenceOption {
	return func(cs *ConfidenceStore) {
		cs.clock = c
	}
}

// WithNow overrides the wall clock used for default timestamps.
func WithNow(now func() time.Time) ConfidenceOption {
	return func(cs *ConfidenceStore) {
		cs.now = now
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) ConfidenceOption {
	return func(cs *ConfidenceStore) {
		cs.logger = l
	}
}

// NewConfidenceStore creates an empty store.
func NewConfidenceStore(opts ...ConfidenceOption) *ConfidenceStore {
	cs := &ConfidenceStore{
		clock:  NewClock(),
		policy: LastWriteWins(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// putConfig carries optional Put parameters.
type putConfig struct {
	timestamp time.Time
	beta      *ir.BetaParams
	lower     float64
	upper     float64
	hasBounds bool
}

// PutOption configures a single Put.
type PutOption func(*putConfig)

// At sets the write timestamp (default: now).
func At(ts time.Time) PutOption {
	return func(c *putConfig) {
		c.timestamp = ts
	}
}

// WithBeta attaches a Beta representation to the estimate.
func WithBeta(b ir.BetaParams) PutOption {
	return func(c *putConfig) {
		c.beta = &b
	}
}

// WithBounds attaches an explicit interval. Without it the interval
// collapses to the point value.
func WithBounds(lower, upper float64) PutOption {
	return func(c *putConfig) {
		c.lower = lower
		c.upper = upper
		c.hasBounds = true
	}
}

// Put appends a new version for key and returns its version number.
//
// Out-of-range values, unknown statuses and empty ids are rejected with an
// INPUT_ERROR. A stale write under LastWriteWins is dropped and the current
// version is returned. A journal failure is returned and the version is not
// published.
func (cs *ConfidenceStore) Put(ctx context.Context, key ir.Key, value float64, status ir.Status, opts ...PutOption) (int64, error) {
	key = normalizeKey(key)
	if key.Entity == "" || key.Stage == "" {
		return 0, ir.NewInputError(key.Stage, "entity and stage ids are required")
	}
	if !ir.InUnitRange(value) {
		return 0, ir.NewInputError(key.Stage, "confidence %v outside [0,1]", value)
	}
	if status == "" {
		status = ir.StatusSuccess
	}
	if !ir.ValidStatuses[status] {
		return 0, ir.NewInputError(key.Stage, "invalid status %q", status)
	}

	cfg := putConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timestamp.IsZero() {
		cfg.timestamp = cs.now()
	}
	if cfg.beta != nil && !cfg.beta.Valid() {
		return 0, ir.NewInputError(key.Stage, "invalid beta parameters %+v", *cfg.beta)
	}
	if cfg.hasBounds {
		if !ir.InUnitRange(cfg.lower) || !ir.InUnitRange(cfg.upper) || cfg.lower > value || value > cfg.upper {
			return 0, ir.NewInputError(key.Stage, "bounds [%v,%v] do not contain %v", cfg.lower, cfg.upper, value)
		}
	} else {
		cfg.lower, cfg.upper = value, value
	}

	s := cs.seriesFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.load()
	est := ir.Estimate{
		Namespace:  key.Namespace,
		EntityID:   key.Entity,
		StageID:    key.Stage,
		Value:      value,
		Timestamp:  cfg.timestamp,
		Status:     status,
		LowerBound: cfg.lower,
		UpperBound: cfg.upper,
		Beta:       cfg.beta,
	}

	if n := len(history); n > 0 {
		latest := history[n-1]
		switch cs.policy.Mode {
		case ConflictLastWriteWins:
			if est.Timestamp.Before(latest.Timestamp) {
				cs.logger.Debug("stale write dropped",
					"key", key.String(),
					"incoming", est.Timestamp,
					"latest", latest.Timestamp,
				)
				return latest.Version, nil
			}
		case ConflictWindowedAverage:
			est = averageWithinWindow(s.writes, est, cs.policy.Window)
		}
		est.Version = latest.Version + 1
	} else {
		est.Version = 1
	}
	est.Seq = cs.clock.Next()

	if cs.journal != nil {
		if err := cs.journal.AppendEstimate(ctx, est); err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}
	}

	next := make([]ir.Estimate, len(history), len(history)+1)
	copy(next, history)
	next = append(next, est)
	s.snap.Store(&next)
	s.writes = append(s.writes, rawWrite{value: value, timestamp: cfg.timestamp})

	return est.Version, nil
}

// averageWithinWindow folds the incoming write together with every earlier
// raw write whose timestamp lies within window of it. Writes are compared
// by timestamp, not by arrival order, and earlier averages are never
// averaged again.
func averageWithinWindow(writes []rawWrite, incoming ir.Estimate, window time.Duration) ir.Estimate {
	sum := incoming.Value
	count := 1.0
	lower, upper := incoming.LowerBound, incoming.UpperBound
	for _, w := range writes {
		gap := incoming.Timestamp.Sub(w.timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		sum += w.value
		count++
		lower = math.Min(lower, w.value)
		upper = math.Max(upper, w.value)
	}
	if count == 1 {
		return incoming
	}
	incoming.Value = sum / count
	incoming.LowerBound = lower
	incoming.UpperBound = upper
	return incoming
}

// Restore appends a previously journaled estimate verbatim. Versions that
// do not advance the key are ignored. Used by replay.
//
// The journal keeps published values only, so a restored version counts as
// its own raw write for later windowed averaging.
func (cs *ConfidenceStore) Restore(est ir.Estimate) bool {
	s := cs.seriesFor(est.Key())
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.load()
	if n := len(history); n > 0 && history[n-1].Version >= est.Version {
		return false
	}
	next := make([]ir.Estimate, len(history), len(history)+1)
	copy(next, history)
	next = append(next, est)
	s.snap.Store(&next)
	s.writes = append(s.writes, rawWrite{value: est.Value, timestamp: est.Timestamp})
	cs.clock.Observe(est.Seq)
	return true
}

// GetLatest returns the newest version for key, or the ir.NoData sentinel.
func (cs *ConfidenceStore) GetLatest(key ir.Key) ir.Estimate {
	if est, ok := cs.Lookup(key); ok {
		return est
	}
	return ir.NoData(normalizeKey(key))
}

// Lookup returns the newest version for key and whether one exists.
func (cs *ConfidenceStore) Lookup(key ir.Key) (ir.Estimate, bool) {
	v, ok := cs.series.Load(normalizeKey(key))
	if !ok {
		return ir.Estimate{}, false
	}
	history := v.(*series).load()
	if len(history) == 0 {
		return ir.Estimate{}, false
	}
	return history[len(history)-1], true
}

// GetHistory returns every version for key in ascending version order.
// Returns an empty slice (not nil) for absent keys. The returned slice is a
// copy and may be modified by the caller.
func (cs *ConfidenceStore) GetHistory(key ir.Key) []ir.Estimate {
	v, ok := cs.series.Load(normalizeKey(key))
	if !ok {
		return []ir.Estimate{}
	}
	history := v.(*series).load()
	out := make([]ir.Estimate, len(history))
	copy(out, history)
	return out
}

// Keys returns every key with at least one version, sorted by String().
func (cs *ConfidenceStore) Keys() []ir.Key {
	var keys []ir.Key
	cs.series.Range(func(k, v any) bool {
		if len(v.(*series).load()) > 0 {
			keys = append(keys, k.(ir.Key))
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Latest returns the newest version of every key in namespace, sorted by key.
func (cs *ConfidenceStore) Latest(namespace string) []ir.Estimate {
	var out []ir.Estimate
	for _, k := range cs.Keys() {
		if k.Namespace != namespace {
			continue
		}
		if est, ok := cs.Lookup(k); ok {
			out = append(out, est)
		}
	}
	return out
}

// Clock returns the store's logical clock.
func (cs *ConfidenceStore) Clock() *Clock {
	return cs.clock
}

func (cs *ConfidenceStore) seriesFor(key ir.Key) *series {
	if v, ok := cs.series.Load(key); ok {
		return v.(*series)
	}
	v, _ := cs.series.LoadOrStore(key, &series{})
	return v.(*series)
}

func normalizeKey(k ir.Key) ir.Key {
	return ir.Key{
		Namespace: ir.NormalizeID(k.Namespace),
		Entity:    ir.NormalizeID(k.Entity),
		Stage:     ir.NormalizeID(k.Stage),
	}
}
