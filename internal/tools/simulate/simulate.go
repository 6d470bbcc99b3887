// Package simulate provides deterministic stand-ins for assessment tools.
// Each simulated tool has a profile: a success rate, a latency and the
// findings it reports. Outcomes are drawn from a seeded source so that runs
// with the same seed and call order are reproducible. Used by demo runs
// (`assess --simulate`) and end-to-end tests.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// Finding is a finding a profile reports on success.
type Finding struct {
	Title          string  `json:"title"`
	Kind           string  `json:"kind"`
	Severity       float64 `json:"severity"`
	Exploitability float64 `json:"exploitability"`
	AssetValue     float64 `json:"asset_value"`
	// MinCoverage hides the finding unless the invocation's estimated
	// coverage reaches it.
	MinCoverage float64 `json:"-"`
}

// Profile describes how a simulated tool behaves.
type Profile struct {
	SuccessRate float64
	Latency     time.Duration
	Findings    []Finding
	// FailWith is returned on a failed draw. Default worker.ErrToolUnavailable.
	FailWith error
}

type tool struct {
	desc    capability.Descriptor
	profile Profile
}

// Simulator implements worker.Invoker for simulated tools.
type Simulator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	tools map[string]tool
	calls map[string]int
}

// New creates an empty simulator.
func New(seed uint64) *Simulator {
	if seed == 0 {
		seed = 1
	}
	return &Simulator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		tools: make(map[string]tool),
		calls: make(map[string]int),
	}
}

// Add registers a simulated tool.
func (s *Simulator) Add(d capability.Descriptor, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[d.ToolID] = tool{desc: d, profile: p}
}

// Descriptors returns the descriptors of all simulated tools, sorted by id.
func (s *Simulator) Descriptors() []capability.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.Descriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Calls returns how many times toolID was invoked.
func (s *Simulator) Calls(toolID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[toolID]
}

// Invoke implements worker.Invoker. The latency is waited out under ctx, so
// a latency above the invocation timeout surfaces as a timeout.
func (s *Simulator) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	t, ok := s.tools[toolID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is not simulated", worker.ErrToolUnavailable, toolID)
	}
	s.calls[toolID]++
	success := s.rng.Float64() < t.profile.SuccessRate
	s.mu.Unlock()

	if t.profile.Latency > 0 {
		timer := time.NewTimer(t.profile.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !success {
		if t.profile.FailWith != nil {
			return nil, t.profile.FailWith
		}
		return nil, fmt.Errorf("%w: simulated %s failure", worker.ErrToolUnavailable, toolID)
	}

	coverage := coverageOf(t.desc, params)
	target, _ := params[t.desc.TargetParamName()].(string)
	type item struct {
		Finding
		Evidence map[string]any `json:"evidence"`
	}
	items := make([]item, 0, len(t.profile.Findings))
	for _, f := range t.profile.Findings {
		if coverage < f.MinCoverage {
			continue
		}
		items = append(items, item{Finding: f, Evidence: map[string]any{
			"target":    target,
			"simulated": true,
			"params":    map[string]any(params),
		}})
	}
	return json.Marshal(map[string]any{"findings": items})
}

// coverageOf is the mean coverage hint of the chosen settings, in [0,1].
func coverageOf(d capability.Descriptor, params capability.Params) float64 {
	total, n := 0.0, 0
	for _, spec := range d.SearchSpace() {
		v, ok := params[spec.Name]
		if !ok {
			continue
		}
		n++
		switch spec.Kind {
		case capability.KindEnum:
			for _, c := range spec.Choices {
				if c.Value == v {
					total += c.Coverage
				}
			}
		case capability.KindBool:
			if b, _ := v.(bool); b {
				total += spec.Coverage
			}
		default:
			var f float64
			switch x := v.(type) {
			case int:
				f = float64(x)
			case float64:
				f = x
			}
			if spec.Max > spec.Min {
				total += spec.Coverage * (f - spec.Min) / (spec.Max - spec.Min)
			}
		}
	}
	if n == 0 {
		return 1
	}
	return total / float64(n)
}
