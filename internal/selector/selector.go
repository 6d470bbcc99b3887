// Package selector chooses a tool and its parameters for a task with an
// epsilon-greedy policy over the tools registered for the task's domain.
// The state key is the task's discretized target state; the action value is
// the effectiveness held in the learning store.
package selector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/optimizer"
)

// NoCapableToolError is returned when a domain has no registered tools.
type NoCapableToolError struct {
	Domain string
}

func (e *NoCapableToolError) Error() string {
	return fmt.Sprintf("no capable tool registered for domain %q", e.Domain)
}

// Catalog is the read side of the capability registry.
type Catalog interface {
	ForDomain(domain string) []capability.Descriptor
	Validate(toolID string, params capability.Params) error
}

// Records is the read side of the learning store.
type Records interface {
	Get(ctx context.Context, key learning.Key) (learning.Record, error)
}

// ParamOptimizer proposes parameters for a chosen tool.
type ParamOptimizer interface {
	Optimize(ctx context.Context, req optimizer.Request) (capability.Params, error)
}

// Config tunes the policy. Zero values select defaults.
type Config struct {
	Epsilon     float64 // Initial exploration rate. Default 0.3.
	Decay       float64 // Multiplicative decay per selection. Default 0.99.
	Floor       float64 // Minimum exploration rate. Default 0.05.
	Ceiling     float64 // Maximum rate Adapt may raise epsilon to. Default 0.3.
	CostWeight  float64 // Cost penalty in the parameter fitness. Default 0.5.
	Generations int     // Optimizer generations per selection. 0 = optimizer default.
	Population  int     // Optimizer population per selection. 0 = optimizer default.
	Seed        uint64  // 0 = seeded from the clock.
}

func (c Config) epsilon() float64 {
	if c.Epsilon > 0 && c.Epsilon <= 1 {
		return c.Epsilon
	}
	return 0.3
}

func (c Config) decay() float64 {
	if c.Decay > 0 && c.Decay <= 1 {
		return c.Decay
	}
	return 0.99
}

func (c Config) floor() float64 {
	if c.Floor > 0 && c.Floor <= 1 {
		return c.Floor
	}
	return 0.05
}

func (c Config) ceiling() float64 {
	if c.Ceiling > 0 && c.Ceiling <= 1 {
		return math.Max(c.Ceiling, c.floor())
	}
	return math.Max(0.3, c.floor())
}

func (c Config) costWeight() float64 {
	if c.CostWeight > 0 {
		return c.CostWeight
	}
	return 0.5
}

// Selector implements the adaptive selection policy. Safe for concurrent use.
type Selector struct {
	catalog   Catalog
	records   Records
	optimizer ParamOptimizer
	config    Config
	logger    *slog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	epsilon    float64
	selections int
}

// New creates a selector. opt may be nil, in which case declared defaults
// are used as parameters.
func New(catalog Catalog, records Records, opt ParamOptimizer, config Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Selector{
		catalog:   catalog,
		records:   records,
		optimizer: opt,
		config:    config,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		epsilon:   math.Max(config.epsilon(), config.floor()),
	}
}

// Epsilon returns the current exploration rate.
func (s *Selector) Epsilon() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsilon
}

// Selections returns how many selections have been made.
func (s *Selector) Selections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selections
}

// Select chooses a tool for the given domain and target state, binds target
// into the tool's target parameter and optimizes the remaining parameters.
func (s *Selector) Select(ctx context.Context, domainTag, targetState, target string) (domain.ToolInvocation, error) {
	tools := s.catalog.ForDomain(domainTag)
	if len(tools) == 0 {
		return domain.ToolInvocation{}, &NoCapableToolError{Domain: domainTag}
	}

	records := make([]learning.Record, len(tools))
	for i, d := range tools {
		rec, err := s.records.Get(ctx, learning.Key{Domain: domainTag, ToolID: d.ToolID, TargetState: targetState})
		if err != nil {
			s.logger.WarnContext(ctx, "learning record unavailable, treating as fresh",
				slog.String("tool", d.ToolID),
				slog.String("error", err.Error()),
			)
		}
		records[i] = rec
	}

	idx, explored, eps := s.choose(records)
	chosen := tools[idx]

	params, err := s.parameters(ctx, domainTag, targetState, target, chosen, records[idx])
	if err != nil {
		return domain.ToolInvocation{}, err
	}

	s.logger.DebugContext(ctx, "tool selected",
		slog.String("domain", domainTag),
		slog.String("target_state", targetState),
		slog.String("tool", chosen.ToolID),
		slog.Bool("explored", explored),
		slog.Float64("epsilon", eps),
		slog.Float64("effectiveness", records[idx].Effectiveness),
	)
	return domain.ToolInvocation{ToolID: chosen.ToolID, Params: params, Explored: explored, Epsilon: eps}, nil
}

// choose applies the epsilon-greedy rule and decays epsilon.
func (s *Selector) choose(records []learning.Record) (idx int, explored bool, eps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eps = s.epsilon
	s.selections++
	s.epsilon = math.Max(s.config.floor(), s.epsilon*s.config.decay())

	if s.rng.Float64() < eps {
		return s.rng.IntN(len(records)), true, eps
	}

	best := math.Inf(-1)
	var ties []int
	for i, r := range records {
		switch {
		case r.Effectiveness > best:
			best = r.Effectiveness
			ties = append(ties[:0], i)
		case r.Effectiveness == best:
			ties = append(ties, i)
		}
	}
	return ties[s.rng.IntN(len(ties))], false, eps
}

func (s *Selector) parameters(ctx context.Context, domainTag, targetState, target string, d capability.Descriptor, rec learning.Record) (capability.Params, error) {
	fixed := capability.Params{}
	if target != "" {
		if _, ok := d.Spec(d.TargetParamName()); ok {
			fixed[d.TargetParamName()] = target
		}
	}
	space := d.SearchSpace()

	if s.optimizer == nil || len(space) == 0 {
		params := d.Defaults()
		for k, v := range fixed {
			params[k] = v
		}
		if err := s.catalog.Validate(d.ToolID, params); err != nil {
			return nil, fmt.Errorf("default parameters for %s: %w", d.ToolID, err)
		}
		return params, nil
	}

	// Non-searchable defaults (string options) are carried as fixed values.
	for _, spec := range d.Params {
		if _, bound := fixed[spec.Name]; !bound && !spec.Searchable() && spec.Default != nil {
			fixed[spec.Name] = spec.Default
		}
	}
	params, err := s.optimizer.Optimize(ctx, optimizer.Request{
		ToolID:         d.ToolID,
		Space:          space,
		Fixed:          fixed,
		Fitness:        optimizer.CoverageCostFitness(space, rec, s.config.costWeight()*(1+d.CostHint)),
		Generations:    s.config.Generations,
		PopulationSize: s.config.Population,
		ArchiveKey:     learning.Key{Domain: domainTag, ToolID: d.ToolID, TargetState: targetState}.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("optimizing parameters for %s: %w", d.ToolID, err)
	}
	return params, nil
}

// Adapt nudges the exploration rate from a recent success rate: below 0.6
// exploration grows by 10% (capped at the ceiling), otherwise it shrinks by
// 10% (down to the floor).
func (s *Selector) Adapt(successRate float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if successRate < 0.6 {
		s.epsilon = math.Min(s.config.ceiling(), s.epsilon*1.1)
	} else {
		s.epsilon = math.Max(s.config.floor(), s.epsilon*0.9)
	}
	return s.epsilon
}
