package executor

import "waveforge/internal/types"

// ConfidenceInputs feed the single scoring formula.
type ConfidenceInputs struct {
	ValidationPassRate  float64 // 1.0 when the accepted output validated clean
	AttemptsUsed        int
	MaxAttempts         int
	Complexity          types.Complexity
	IntegrationPassRate float64 // acceptance coverage for this atom; 1.0 when unknown
}

// Confidence bands.
const (
	ConfidenceHigh     = 0.85
	ConfidenceMedium   = 0.70
	ConfidenceLow      = 0.50
	ReviewThreshold    = 0.70
)

// Score computes
//
//	s = 0.40·validation + 0.30·(1−attempts_ratio) + 0.20·(1−complexity_ratio) + 0.10·integration
//
// clamped to [0,1]. Atoms under ReviewThreshold get flagged for human
// review; the review queue itself lives outside the engine.
func Score(in ConfidenceInputs) float64 {
	attempts := float64(in.AttemptsUsed)
	max := float64(in.MaxAttempts)
	if max <= 0 {
		max = 1
	}
	if attempts > max {
		attempts = max
	}
	ratio := attempts / max

	s := 0.40*in.ValidationPassRate +
		0.30*(1-ratio) +
		0.20*(1-in.Complexity.Ratio()) +
		0.10*in.IntegrationPassRate
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Band names the threshold bucket a score lands in.
func Band(score float64) string {
	switch {
	case score >= ConfidenceHigh:
		return "high"
	case score >= ConfidenceMedium:
		return "medium"
	case score >= ConfidenceLow:
		return "low"
	default:
		return "critical"
	}
}
