package detect

import (
	"math"

	"github.com/railsignal/railwatch/internal/rail"
)

// Severity factor weights. The weighted sum is normalized from the
// nominal maximum of 4.0 onto the 1..10 scale.
const (
	weightTime      = 0.30
	weightPriority  = 0.20
	weightPassenger = 0.25
	weightNetwork   = 0.15
	weightSafety    = 0.10

	severityDivisor = 4.0
	defaultSeverity = 5
)

// Score computes the 1..10 severity of a conflict from its kind, the
// involved trains, the number of sections touched and the minutes until
// impact. It is deterministic and depends on nothing but its arguments.
func Score(kind rail.ConflictKind, trains []rail.Train, sectionCount int, timeToImpactMin float64) int {
	if len(trains) == 0 || sectionCount == 0 {
		return defaultSeverity
	}

	var timeFactor float64
	switch {
	case timeToImpactMin <= 1:
		timeFactor = 3.0
	case timeToImpactMin <= 5:
		timeFactor = 2.5
	case timeToImpactMin <= 15:
		timeFactor = 2.0
	default:
		timeFactor = 1.0
	}

	var priorityFactor, passengerImpact float64
	for _, t := range trains {
		priorityFactor += float64(t.Priority) * 0.2
		passengerImpact += float64(t.Load)
	}
	passengerImpact /= 100

	networkImpact := 0.5*float64(sectionCount) + 0.3*float64(len(trains))

	var safetyRisk float64
	switch kind {
	case rail.SpatialCollision:
		safetyRisk = 3.0
	case rail.JunctionConflict:
		safetyRisk = 2.5
	case rail.TemporalConflict:
		safetyRisk = 2.0
	case rail.PriorityConflict:
		safetyRisk = 1.5
	default:
		return defaultSeverity
	}

	raw := weightTime*timeFactor +
		weightPriority*priorityFactor +
		weightPassenger*passengerImpact +
		weightNetwork*networkImpact +
		weightSafety*safetyRisk

	score := int(math.Round(raw/severityDivisor*9 + 1))
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}
