package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/credence/internal/ir"
)

// marshalRun converts a PipelineRun to JSON TEXT for storage.
// HTML escaping is disabled so stage ids round-trip byte-for-byte.
func marshalRun(run *ir.PipelineRun) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(run); err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalRun parses JSON TEXT into a PipelineRun.
func unmarshalRun(data string) (*ir.PipelineRun, error) {
	var run ir.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// betaColumns splits optional Beta parameters into nullable columns.
func betaColumns(b *ir.BetaParams) (sql.NullFloat64, sql.NullFloat64) {
	if b == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: b.Alpha, Valid: true},
		sql.NullFloat64{Float64: b.Beta, Valid: true}
}

// betaFromColumns rebuilds optional Beta parameters.
func betaFromColumns(alpha, beta sql.NullFloat64) *ir.BetaParams {
	if !alpha.Valid || !beta.Valid {
		return nil
	}
	return &ir.BetaParams{Alpha: alpha.Float64, Beta: beta.Float64}
}

// toUnixNano stores timestamps as integers so ORDER BY is chronological.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
