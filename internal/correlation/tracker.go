// Package correlation tracks pairwise correlations between evidence sources.
//
// The tracker is storage only. How coefficients are learned or which static
// priors are loaded is decided by the caller.
package correlation

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/credence/internal/ir"
)

const (
	// DefaultThreshold is the smallest |coefficient| worth tracking.
	DefaultThreshold = 0.1

	// DefaultCapacity bounds the number of tracked pairs.
	DefaultCapacity = 4096
)

// pair is the canonical (sorted) form of an unordered source pair.
type pair struct {
	a, b string
}

func newPair(a, b string) pair {
	a, b = ir.OrderedPair(ir.NormalizeID(a), ir.NormalizeID(b))
	return pair{a: a, b: b}
}

// Tracker stores sparse pairwise correlation coefficients.
//
// Absent pairs read as 0, which makes the independent combination the
// default. Entries are held in an LRU of fixed capacity; overflow evicts the
// least recently used pair and is logged as RESOURCE_EXHAUSTED.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	entries   *lru.Cache[pair, ir.CorrelationEntry]
	threshold float64
	capacity  int
	logger    *slog.Logger
	onEvict   func(ir.CorrelationEntry)

	// pruning suppresses the resource-exhausted log while Prune is
	// evicting on purpose.
	pruning bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets the significance threshold (default 0.1).
func WithThreshold(t float64) Option {
	return func(tr *Tracker) {
		tr.threshold = t
	}
}

// WithCapacity sets the maximum number of tracked pairs.
func WithCapacity(n int) Option {
	return func(tr *Tracker) {
		tr.capacity = n
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(tr *Tracker) {
		tr.logger = l
	}
}

// OnEvict registers a hook called for every evicted entry, including
// entries removed by Prune.
func OnEvict(fn func(ir.CorrelationEntry)) Option {
	return func(tr *Tracker) {
		tr.onEvict = fn
	}
}

// New creates an empty tracker.
func New(opts ...Option) (*Tracker, error) {
	tr := &Tracker{
		threshold: DefaultThreshold,
		capacity:  DefaultCapacity,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(tr)
	}
	if tr.capacity <= 0 {
		return nil, fmt.Errorf("correlation tracker: capacity must be positive, got %d", tr.capacity)
	}
	if tr.threshold < 0 || tr.threshold > 1 {
		return nil, fmt.Errorf("correlation tracker: threshold must be in [0,1], got %v", tr.threshold)
	}

	cache, err := lru.NewWithEvict[pair, ir.CorrelationEntry](tr.capacity, tr.evicted)
	if err != nil {
		return nil, fmt.Errorf("correlation tracker: %w", err)
	}
	tr.entries = cache
	return tr, nil
}

// evicted is only invoked from cache calls made while tr.mu is held.
func (tr *Tracker) evicted(_ pair, e ir.CorrelationEntry) {
	if !tr.pruning {
		tr.logger.Warn("correlation evicted",
			"code", ir.CodeResourceExhausted,
			"source_a", e.SourceA,
			"source_b", e.SourceB,
			"capacity", tr.capacity,
		)
	}
	if tr.onEvict != nil {
		tr.onEvict(e)
	}
}

// Record stores the correlation between a and b.
//
// |coef| > 1 (or NaN) is an INPUT_ERROR. Self pairs and coefficients below
// the threshold are ignored. Recording an existing pair replaces it.
func (tr *Tracker) Record(a, b string, coef float64, basis string) error {
	if math.IsNaN(coef) || math.Abs(coef) > 1 {
		return ir.NewInputError("", "correlation %s~%s: coefficient %v outside [-1,1]", a, b, coef)
	}
	p := newPair(a, b)
	if p.a == "" || p.b == "" {
		return ir.NewInputError("", "correlation: source ids are required")
	}
	if p.a == p.b || math.Abs(coef) < tr.threshold {
		return nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries.Add(p, ir.CorrelationEntry{
		SourceA:     p.a,
		SourceB:     p.b,
		Coefficient: coef,
		Basis:       basis,
	})
	return nil
}

// Query returns the coefficient for a and b: 1 for a == b, 0 when untracked.
// A hit refreshes the pair's recency.
func (tr *Tracker) Query(a, b string) float64 {
	p := newPair(a, b)
	if p.a == p.b {
		return 1
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if e, ok := tr.entries.Get(p); ok {
		return e.Coefficient
	}
	return 0
}

// Lookup returns the stored entry without touching recency.
func (tr *Tracker) Lookup(a, b string) (ir.CorrelationEntry, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.entries.Peek(newPair(a, b))
}

// Prune evicts least recently used entries until at most maxEntries remain
// and returns the number evicted.
func (tr *Tracker) Prune(maxEntries int) int {
	if maxEntries < 0 {
		maxEntries = 0
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.pruning = true
	defer func() { tr.pruning = false }()

	evicted := 0
	for tr.entries.Len() > maxEntries {
		if _, _, ok := tr.entries.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	if evicted > 0 {
		tr.logger.Info("correlations pruned",
			"code", ir.CodeResourceExhausted,
			"evicted", evicted,
			"remaining", tr.entries.Len(),
		)
	}
	return evicted
}

// Len returns the number of tracked pairs.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.entries.Len()
}

// Entries returns a snapshot of every tracked pair sorted by (SourceA,
// SourceB).
func (tr *Tracker) Entries() []ir.CorrelationEntry {
	tr.mu.Lock()
	out := tr.entries.Values()
	tr.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceA != out[j].SourceA {
			return out[i].SourceA < out[j].SourceA
		}
		return out[i].SourceB < out[j].SourceB
	})
	return out
}

// Among returns the tracked entries whose two sources are both in ids,
// sorted by pair. Used to report the correlations a run relied on.
func (tr *Tracker) Among(ids []string) []ir.CorrelationEntry {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[ir.NormalizeID(id)] = true
	}
	out := []ir.CorrelationEntry{}
	for _, e := range tr.Entries() {
		if in[e.SourceA] && in[e.SourceB] {
			out = append(out, e)
		}
	}
	return out
}
