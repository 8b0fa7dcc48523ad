package triage

import (
	"math"

	"IntelScanner/internal/domain"
)

const pressureHorizonDays = 45

// Pressure computes {probability, magnitude, confidence} from extracted features.
// Out-of-range inputs are clamped, never rejected.
func Pressure(f domain.PressureFeatures) domain.PressureScore {
	evidence := clamp01(f.EvidenceStrength)
	novelty := clamp01(f.Novelty)
	citations := math.Max(0, float64(f.Citations))

	days := f.TimeHorizonDays
	if math.IsNaN(days) || days < 0 {
		days = 0
	}

	probability := clamp01(0.5*evidence + 0.3*clamp01(citations/10) + 0.2*novelty)
	magnitude := clamp01(impactWeight(f.ImpactOrder) * math.Exp(-days/pressureHorizonDays))
	confidence := clamp01(0.6*evidence + 0.4*clamp01(math.Log1p(citations)/math.Log(11)))

	return domain.PressureScore{
		Probability: round3(probability),
		Magnitude:   round3(magnitude),
		Confidence:  round3(confidence),
	}
}

// impactWeight discounts second- and third-order effects.
func impactWeight(order int) float64 {
	switch {
	case order <= 1:
		return 1
	case order == 2:
		return 0.7
	default:
		return 0.4
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
