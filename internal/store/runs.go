package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/credence/internal/ir"
)

// ErrRunNotFound is returned by ReadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the indexed projection of an archived run.
type RunSummary struct {
	RunID          string       `json:"run_id"`
	GraphHash      string       `json:"graph_hash"`
	ClaimStage     string       `json:"claim_stage,omitempty"`
	Status         ir.RunStatus `json:"status"`
	IterationCount int          `json:"iteration_count"`
	PointEstimate  float64      `json:"point_estimate"`
	StartedAt      int64        `json:"started_at"`
	FinishedAt     int64        `json:"finished_at"`
}

// WriteRun archives a finalized run. Runs are immutable: writing an id that
// already exists is silently ignored (ON CONFLICT DO NOTHING).
func (s *Store) WriteRun(ctx context.Context, run *ir.PipelineRun) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("write run: run id is required")
	}
	record, err := marshalRun(run)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, graph_hash, claim_stage, status, iteration_count, point_estimate,
		 started_at, finished_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		run.RunID,
		run.GraphHash,
		run.ClaimStage,
		string(run.ConvergenceStatus),
		run.IterationCount,
		run.Result.PointEstimate,
		toUnixNano(run.StartedAt),
		toUnixNano(run.FinishedAt),
		record,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// ReadRun retrieves a single archived run by id.
// Returns ErrRunNotFound if the id is unknown.
func (s *Store) ReadRun(ctx context.Context, runID string) (*ir.PipelineRun, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id = ?`, runID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return unmarshalRun(record)
}

// ListRuns returns up to limit run summaries, newest first.
// A non-empty status filters by convergence status. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int, status ir.RunStatus) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}

	query := `
		SELECT run_id, graph_hash, claim_stage, status, iteration_count, point_estimate,
		       started_at, finished_at
		FROM runs
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY finished_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var sum RunSummary
		var st string
		if err := rows.Scan(
			&sum.RunID, &sum.GraphHash, &sum.ClaimStage, &st, &sum.IterationCount,
			&sum.PointEstimate, &sum.StartedAt, &sum.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = ir.RunStatus(st)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return summaries, nil
}

// PruneRuns deletes every archived run except the newest keep, together with
// the journal entries written under those runs' namespaces. Returns the
// number of runs removed. This is the only mutation of a finalized run.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune runs: keep must be >= 0, got %d", keep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune runs: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	const victims = `
		SELECT run_id FROM runs
		ORDER BY finished_at DESC, run_id DESC
		LIMIT -1 OFFSET ?
	`

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM estimates WHERE namespace IN (`+victims+`)
	`, keep); err != nil {
		return 0, fmt.Errorf("prune runs: estimates: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE run_id IN (`+victims+`)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: runs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune runs: commit: %w", err)
	}
	return removed, nil
}
