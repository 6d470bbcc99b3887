package optimizer

import (
	"math"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/learning"
)

// Estimate returns the expected coverage and cost of p over space, each
// normalized to [0,1] between the cheapest/narrowest and the most
// expensive/widest settings the space allows.
func Estimate(space []capability.ParamSpec, p capability.Params) (coverage, cost float64) {
	var cov, covLo, covHi, cst, cstLo, cstHi float64
	for _, spec := range space {
		v, ok := p[spec.Name]
		if !ok {
			continue
		}
		switch spec.Kind {
		case capability.KindInt, capability.KindFloat:
			f, ok := number(v)
			if !ok {
				continue
			}
			pos := 0.0
			if spec.Max > spec.Min {
				pos = clamp01((f - spec.Min) / (spec.Max - spec.Min))
			}
			cov, covLo, covHi = accumulate(cov, covLo, covHi, spec.Coverage*pos, 0, spec.Coverage)
			cst, cstLo, cstHi = accumulate(cst, cstLo, cstHi, spec.Cost*pos, 0, spec.Cost)
		case capability.KindBool:
			b, _ := v.(bool)
			pos := 0.0
			if b {
				pos = 1
			}
			cov, covLo, covHi = accumulate(cov, covLo, covHi, spec.Coverage*pos, 0, spec.Coverage)
			cst, cstLo, cstHi = accumulate(cst, cstLo, cstHi, spec.Cost*pos, 0, spec.Cost)
		case capability.KindEnum:
			s, _ := v.(string)
			var selCov, selCost float64
			lc, hc := math.Inf(1), math.Inf(-1)
			lk, hk := math.Inf(1), math.Inf(-1)
			for _, c := range spec.Choices {
				if c.Value == s {
					selCov, selCost = c.Coverage, c.Cost
				}
				lc, hc = math.Min(lc, c.Coverage), math.Max(hc, c.Coverage)
				lk, hk = math.Min(lk, c.Cost), math.Max(hk, c.Cost)
			}
			if len(spec.Choices) == 0 {
				continue
			}
			cov, covLo, covHi = cov+selCov, covLo+lc, covHi+hc
			cst, cstLo, cstHi = cst+selCost, cstLo+lk, cstHi+hk
		}
	}
	return normalize(cov, covLo, covHi), normalize(cst, cstLo, cstHi)
}

// accumulate adds a contribution whose extremes are at the low and high
// settings; negative weights flip which setting is the minimum.
func accumulate(sum, lo, hi, v, a, b float64) (float64, float64, float64) {
	return sum + v, lo + math.Min(a, b), hi + math.Max(a, b)
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp01((v - lo) / (hi - lo))
}

// CoverageCostFitness returns a fitness trading coverage against cost,
// informed by the learning record for the tool and target state: a tool
// that has proven effective earns more from coverage and is penalized less
// for cost. Fresh records count as neutral (0.5).
func CoverageCostFitness(space []capability.ParamSpec, rec learning.Record, costWeight float64) FitnessFunc {
	eff := rec.Effectiveness
	if rec.Invocations == 0 {
		eff = 0.5
	}
	if costWeight < 0 {
		costWeight = 0
	}
	return func(p capability.Params) float64 {
		coverage, cost := Estimate(space, p)
		return coverage*(0.5+0.5*eff) - costWeight*cost*(1-0.5*eff)
	}
}
