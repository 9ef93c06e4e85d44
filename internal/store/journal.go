package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/credence/internal/ir"
)

// AppendEstimate inserts an estimate into the journal.
// Uses ON CONFLICT DO NOTHING for idempotency - re-appending the same
// (namespace, entity, stage, version) is silently ignored.
func (s *Store) AppendEstimate(ctx context.Context, est ir.Estimate) error {
	alpha, beta := betaColumns(est.Beta)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estimates
		(seq, namespace, entity_id, stage_id, version, value, status,
		 lower_bound, upper_bound, beta_alpha, beta_beta, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, entity_id, stage_id, version) DO NOTHING
	`,
		est.Seq,
		est.Namespace,
		est.EntityID,
		est.StageID,
		est.Version,
		est.Value,
		string(est.Status),
		est.LowerBound,
		est.UpperBound,
		alpha,
		beta,
		toUnixNano(est.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append estimate: %w", err)
	}
	return nil
}

// ReadEstimates returns the whole journal ordered by seq ASC.
// Returns an empty slice (not nil) for an empty journal.
func (s *Store) ReadEstimates(ctx context.Context) ([]ir.Estimate, error) {
	return s.queryEstimates(ctx, `
		SELECT seq, namespace, entity_id, stage_id, version, value, status,
		       lower_bound, upper_bound, beta_alpha, beta_beta, recorded_at
		FROM estimates
		ORDER BY seq ASC, namespace ASC, entity_id ASC, stage_id ASC
	`)
}

// ReadNamespace returns the journal entries of one namespace ordered by seq.
func (s *Store) ReadNamespace(ctx context.Context, namespace string) ([]ir.Estimate, error) {
	return s.queryEstimates(ctx, `
		SELECT seq, namespace, entity_id, stage_id, version, value, status,
		       lower_bound, upper_bound, beta_alpha, beta_beta, recorded_at
		FROM estimates
		WHERE namespace = ?
		ORDER BY seq ASC, entity_id ASC, stage_id ASC
	`, namespace)
}

func (s *Store) queryEstimates(ctx context.Context, query string, args ...any) ([]ir.Estimate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query estimates: %w", err)
	}
	defer rows.Close()

	estimates := []ir.Estimate{}
	for rows.Next() {
		var est ir.Estimate
		var status string
		var recordedAt int64
		var alpha, beta sql.NullFloat64
		if err := rows.Scan(
			&est.Seq, &est.Namespace, &est.EntityID, &est.StageID, &est.Version,
			&est.Value, &status, &est.LowerBound, &est.UpperBound,
			&alpha, &beta, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		est.Status = ir.Status(status)
		est.Timestamp = fromUnixNano(recordedAt)
		est.Beta = betaFromColumns(alpha, beta)
		estimates = append(estimates, est)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate estimates: %w", err)
	}
	return estimates, nil
}
