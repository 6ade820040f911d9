package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComplexityRankOrdersCriticalFirst(t *testing.T) {
	assert.Less(t, ComplexityCritical.Rank(), ComplexityHigh.Rank())
	assert.Less(t, ComplexityHigh.Rank(), ComplexityMedium.Rank())
	assert.Less(t, ComplexityMedium.Rank(), ComplexityLow.Rank())
}

func TestComplexityRatio(t *testing.T) {
	assert.Equal(t, 1.0, ComplexityCritical.Ratio())
	assert.Equal(t, 0.75, ComplexityHigh.Ratio())
	assert.Equal(t, 0.5, ComplexityMedium.Ratio())
	assert.Equal(t, 0.25, ComplexityLow.Ratio())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusReady, StatusInProgress, StatusNeedsReview} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestTestStatusFailed(t *testing.T) {
	assert.False(t, TestPass.Failed())
	assert.True(t, TestFail.Failed())
	assert.True(t, TestTimeout.Failed())
	assert.True(t, TestError.Failed())
}
