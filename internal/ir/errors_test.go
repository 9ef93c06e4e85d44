package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := NewInputError("link", "value %v out of range", 1.5)
	assert.Equal(t, "INPUT_ERROR: value 1.5 out of range (stage=link)", err.Error())

	noStage := NewInputError("", "empty graph")
	assert.Equal(t, "INPUT_ERROR: empty graph", noStage.Error())
}

func TestIsInputErrorWrapped(t *testing.T) {
	err := fmt.Errorf("ingest: %w", NewInputError("a", "bad"))
	assert.True(t, IsInputError(err))
	assert.False(t, IsComputationDegraded(err))
	assert.False(t, IsInputError(errors.New("plain")))
}

func TestComputationErrorUnwraps(t *testing.T) {
	cause := errors.New("matrix not positive definite")
	err := NewComputationError("link", cause)

	assert.True(t, IsComputationDegraded(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "matrix not positive definite")
}
