package ml

import (
	"fmt"
	"math"

	"argus/core"
)

// AnomalyScorer rates how unusual an event is for its identity's baseline.
// Scores are in [0,1]; factors explain non-zero scores.
type AnomalyScorer interface {
	Score(event core.Event, baseline Baseline) (float64, []string)
}

// ZScoreScorer flags events whose hour of day or transfer size sits more than
// Threshold standard deviations from the identity's history.
type ZScoreScorer struct {
	Threshold  float64
	MinSamples int64
}

// NewZScoreScorer creates a z-score scorer. Zero values use 3 sigma and 10 samples.
func NewZScoreScorer(threshold float64, minSamples int64) *ZScoreScorer {
	if threshold <= 0 {
		threshold = 3.0
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &ZScoreScorer{Threshold: threshold, MinSamples: minSamples}
}

// Score returns max(|z|)/(2*threshold) clamped to [0,1] over the features that
// exceed the threshold, and 0 when none do.
func (s *ZScoreScorer) Score(event core.Event, baseline Baseline) (float64, []string) {
	var (
		maxZ    float64
		factors []string
	)

	if baseline.HasMeanHour && baseline.HourSpread.Count >= s.MinSamples {
		hour := float64(event.Timestamp.Hour()) + float64(event.Timestamp.Minute())/60
		dist := HourDistance(hour, baseline.MeanHour)
		if z, ok := baseline.HourSpread.ZScore(dist); ok && math.Abs(z) > s.Threshold {
			maxZ = math.Max(maxZ, math.Abs(z))
			factors = append(factors, fmt.Sprintf("hour of day z-score %.1f", z))
		}
	}

	if b := event.BytesTransferred(); b > 0 && baseline.EventBytes.Count >= s.MinSamples {
		if z, ok := baseline.EventBytes.ZScore(b); ok && math.Abs(z) > s.Threshold {
			maxZ = math.Max(maxZ, math.Abs(z))
			factors = append(factors, fmt.Sprintf("transfer size z-score %.1f", z))
		}
	}

	if maxZ == 0 {
		return 0, nil
	}
	return core.Clamp(maxZ/(2*s.Threshold), 0, 1), factors
}
