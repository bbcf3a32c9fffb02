package fatsalvage_test

import (
	"errors"
	"testing"

	"fatsalvage"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryErrorWithMessage(t *testing.T) {
	newErr := fatsalvage.ErrCorruptChain.WithMessage("cluster 5 revisited")
	assert.Equal(
		t, "corrupt cluster chain: cluster 5 revisited", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, fatsalvage.ErrCorruptChain)
}

func TestRecoveryErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := fatsalvage.ErrOutOfRange.Wrap(originalErr)
	expectedMessage := "read outside declared region: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, fatsalvage.ErrOutOfRange, "sentinel not set as parent")
}

func TestRecoveryErrorSentinelsAreDistinct(t *testing.T) {
	wrapped := fatsalvage.ErrInvalidStartCluster.WithMessage("cluster 0")
	assert.NotErrorIs(t, wrapped, fatsalvage.ErrCorruptChain)
	assert.NotErrorIs(t, wrapped, fatsalvage.ErrOutOfRange)
}
