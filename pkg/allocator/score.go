// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package allocator

import (
	"math"
)

// Params holds the tuned scoring and decision thresholds. The numeric
// defaults are heuristic, not derived; they live in configuration so
// operators can retune them without a rebuild.
type Params struct {
	FullTrustHours    float64
	EarlyDecayHours   float64
	EarlyDecayWeight  float64
	MatureHours       float64
	MatureWeight      float64
	FloorWeight       float64
	ReferenceCTR      float64
	FatigueK          float64
	PatternBoostCap   float64
	SoftmaxTemp       float64
	IgnoranceZoneDays float64
	IgnoranceZoneMin  float64
	MinKillSpend      float64
	KillROAS          float64
	ScaleROAS         float64
	DirectMaturityH   float64
	DirectKillRatio   float64
}

// DefaultParams returns the stock thresholds.
func DefaultParams() Params {
	return Params{
		FullTrustHours:    6,
		EarlyDecayHours:   24,
		EarlyDecayWeight:  0.7,
		MatureHours:       72,
		MatureWeight:      0.3,
		FloorWeight:       0.1,
		ReferenceCTR:      0.05,
		FatigueK:          0.00002,
		PatternBoostCap:   0.2,
		SoftmaxTemp:       1.0,
		IgnoranceZoneDays: 2,
		IgnoranceZoneMin:  100,
		MinKillSpend:      100,
		KillROAS:          1.0,
		ScaleROAS:         3.0,
		DirectMaturityH:   6,
		DirectKillRatio:   0.5,
	}
}

// ctrWeight returns the CTR weight of the blended score as a function of
// ad age in hours. CTR carries the full weight while revenue attribution
// is still arriving, then realized economics take over as the ad
// matures. The curve is continuous across all four regimes.
func (p Params) ctrWeight(ageHours float64) float64 {
	switch {
	case ageHours < p.FullTrustHours:
		return 1.0
	case ageHours < p.EarlyDecayHours:
		t := (ageHours - p.FullTrustHours) / (p.EarlyDecayHours - p.FullTrustHours)
		return 1.0 + t*(p.EarlyDecayWeight-1.0)
	case ageHours < p.MatureHours:
		t := (ageHours - p.EarlyDecayHours) / (p.MatureHours - p.EarlyDecayHours)
		return p.EarlyDecayWeight + t*(p.MatureWeight-p.EarlyDecayWeight)
	default:
		// Exponential approach to the floor, continuous at MatureHours.
		decay := math.Exp(-(ageHours - p.MatureHours) / p.MatureHours)
		return p.FloorWeight + (p.MatureWeight-p.FloorWeight)*decay
	}
}

// blendedScore combines normalized CTR and normalized pipeline ROAS,
// applies the fatigue decay, and adds the bounded pattern boost.
func (p Params) blendedScore(s AdState, patternScore float64) float64 {
	w := p.ctrWeight(s.HoursLive)

	normCTR := clamp01(s.CTR() / p.ReferenceCTR)
	normROAS := clamp01(s.PipelineROAS() / p.ScaleROAS)

	score := w*normCTR + (1-w)*normROAS

	// Creative fatigue: heavily served ads decay regardless of metrics.
	score *= math.Exp(-p.FatigueK * float64(s.Impressions))

	// Bounded boost from the external pattern index.
	score *= 1 + p.PatternBoostCap*clamp01(patternScore)

	return score
}

// confidence grows with impression volume and data age, scaled by the
// score magnitude.
func (p Params) confidence(s AdState, score float64) float64 {
	volume := 1 - math.Exp(-float64(s.Impressions)/1000)
	age := math.Min(s.HoursLive/p.MatureHours, 1)
	return clamp01(0.5*volume + 0.3*age + 0.2*clamp01(score))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// softmax converts scores to probabilistic shares at the configured
// temperature, shifted by the max score for numeric stability.
func (p Params) softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	temp := p.SoftmaxTemp
	if temp <= 0 {
		temp = 1
	}

	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}

	shares := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		shares[i] = math.Exp((s - maxScore) / temp)
		sum += shares[i]
	}
	for i := range shares {
		shares[i] /= sum
	}
	return shares
}
