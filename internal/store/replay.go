package store

import (
	"context"
	"fmt"
)

// ReplayStats summarizes a journal replay.
type ReplayStats struct {
	Read     int   // Journal entries read
	Restored int   // Entries that advanced a key
	LastSeq  int64 // Highest seq observed
}

// Replay rebuilds cs from the journal in seq order.
//
// Entries are restored verbatim (version, seq, timestamp), so the rebuilt
// store is identical to the one that produced the journal. Entries that do
// not advance their key are skipped, which makes replay idempotent.
func (s *Store) Replay(ctx context.Context, cs *ConfidenceStore) (ReplayStats, error) {
	var stats ReplayStats

	estimates, err := s.ReadEstimates(ctx)
	if err != nil {
		return stats, fmt.Errorf("replay: %w", err)
	}

	for _, est := range estimates {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("replay: %w", err)
		}
		stats.Read++
		if cs.Restore(est) {
			stats.Restored++
		}
		if est.Seq > stats.LastSeq {
			stats.LastSeq = est.Seq
		}
	}

	return stats, nil
}
