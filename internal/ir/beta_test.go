package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBetaFromCounts(t *testing.T) {
	b := BetaFromCounts(8, 2)
	assert.Equal(t, 9.0, b.Alpha)
	assert.Equal(t, 3.0, b.Beta)
	assert.InDelta(t, 0.75, b.Mean(), 1e-12)
	// 9*3 / (12^2 * 13)
	assert.InDelta(t, 27.0/1872.0, b.Variance(), 1e-12)
}

func TestBetaFromCountsNoObservations(t *testing.T) {
	b := BetaFromCounts(0, 0)
	assert.True(t, b.Valid())
	assert.Equal(t, 0.5, b.Mean())
	assert.InDelta(t, 1.0/12.0, b.Variance(), 1e-12)
}

func TestBetaFromCountsNegative(t *testing.T) {
	b := BetaFromCounts(-4, -1)
	assert.Equal(t, BetaParams{Alpha: 1, Beta: 1}, b)
}

func TestBetaValid(t *testing.T) {
	assert.False(t, BetaParams{Alpha: 0, Beta: 1}.Valid())
	assert.False(t, BetaParams{Alpha: 1, Beta: -1}.Valid())
	assert.True(t, BetaParams{Alpha: 0.5, Beta: 0.5}.Valid())
}
