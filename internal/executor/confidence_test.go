package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"waveforge/internal/types"
)

func TestScoreFirstAttemptMedium(t *testing.T) {
	s := Score(ConfidenceInputs{
		ValidationPassRate:  1,
		AttemptsUsed:        1,
		MaxAttempts:         3,
		Complexity:          types.ComplexityMedium,
		IntegrationPassRate: 1,
	})
	assert.InDelta(t, 0.8, s, 1e-9)
	assert.Equal(t, "medium", Band(s))
}

func TestScoreExhaustedCriticalFlagsReview(t *testing.T) {
	s := Score(ConfidenceInputs{
		ValidationPassRate:  1,
		AttemptsUsed:        3,
		MaxAttempts:         3,
		Complexity:          types.ComplexityCritical,
		IntegrationPassRate: 1,
	})
	assert.InDelta(t, 0.5, s, 1e-9)
	assert.Less(t, s, ReviewThreshold)
	assert.Equal(t, "low", Band(s))
}

func TestScoreClampsAndGuards(t *testing.T) {
	assert.Equal(t, 0.0, Score(ConfidenceInputs{ValidationPassRate: -5, Complexity: types.ComplexityCritical, MaxAttempts: 1, AttemptsUsed: 1}))
	assert.Equal(t, 1.0, Score(ConfidenceInputs{ValidationPassRate: 3, MaxAttempts: 3, AttemptsUsed: 1, Complexity: types.ComplexityLow, IntegrationPassRate: 1}))

	// Zero max attempts must not divide by zero.
	s := Score(ConfidenceInputs{ValidationPassRate: 1, AttemptsUsed: 1, MaxAttempts: 0, Complexity: types.ComplexityLow, IntegrationPassRate: 1})
	assert.Greater(t, s, 0.0)
}

func TestBandBoundaries(t *testing.T) {
	assert.Equal(t, "high", Band(0.85))
	assert.Equal(t, "medium", Band(0.84))
	assert.Equal(t, "medium", Band(0.70))
	assert.Equal(t, "low", Band(0.69))
	assert.Equal(t, "low", Band(0.50))
	assert.Equal(t, "critical", Band(0.49))
}
