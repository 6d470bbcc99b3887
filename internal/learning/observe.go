package learning

import "time"

// Observation weights: a successful run is worth baseYield even when it
// produces no findings, rising to 1 with the highest finding priority.
const (
	baseYield     = 0.4
	maxCostFactor = 0.5
)

// Observe converts a task outcome into an observed effectiveness in [0,1]:
// value (yield from findings) per unit cost (elapsed share of the timeout).
// Failures observe 0.
func Observe(success bool, maxPriority float64, elapsed, timeout time.Duration) float64 {
	if !success {
		return 0
	}
	yield := baseYield + (1-baseYield)*clamp01(maxPriority)
	cost := 0.0
	if timeout > 0 {
		cost = clamp01(float64(elapsed) / float64(timeout))
	}
	return clamp01(yield * (1 - maxCostFactor*cost))
}
