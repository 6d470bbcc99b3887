// Package optimizer searches tool parameter combinations with a genetic
// algorithm. Individuals are gene vectors in [0,1]^n, one gene per
// searchable parameter, decoded into concrete values by the parameter specs.
// Every candidate is validated against the capability registry before it is
// scored; invalid candidates are discarded and never returned.
package optimizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/kaliagents/internal/capability"
)

// ErrNoValidCandidate is returned when no candidate passes validation.
var ErrNoValidCandidate = errors.New("no valid parameter set found")

// Validator checks a parameter set against a tool's schema.
type Validator interface {
	Validate(toolID string, params capability.Params) error
}

// FitnessFunc scores a decoded, valid parameter set. Higher is better.
type FitnessFunc func(capability.Params) float64

// Request describes one optimization run.
type Request struct {
	ToolID         string
	Space          []capability.ParamSpec // Searchable parameters.
	Fixed          capability.Params      // Values bound into every candidate (e.g. the target).
	Fitness        FitnessFunc
	Generations    int    // 0 = use default from config.
	PopulationSize int    // 0 = use default from config.
	ArchiveKey     string // When set, the best result seeds later runs with the same key.
}

// Config tunes the search. Zero values select defaults.
type Config struct {
	Generations    int
	PopulationSize int
	EliteCount     int
	TournamentSize int
	CrossoverRate  float64
	MutationRate   float64
	MutationSigma  float64
	Seed           uint64 // 0 = seeded from the clock.
}

func (c Config) generations() int {
	if c.Generations > 0 {
		return c.Generations
	}
	return 10
}

func (c Config) populationSize() int {
	if c.PopulationSize > 1 {
		return c.PopulationSize
	}
	return 20
}

func (c Config) eliteCount(pop int) int {
	n := c.EliteCount
	if n <= 0 {
		n = 2
	}
	if n >= pop {
		n = pop - 1
	}
	return n
}

func (c Config) tournamentSize() int {
	if c.TournamentSize > 0 {
		return c.TournamentSize
	}
	return 3
}

func (c Config) crossoverRate() float64 {
	if c.CrossoverRate > 0 && c.CrossoverRate <= 1 {
		return c.CrossoverRate
	}
	return 0.8
}

func (c Config) mutationRate() float64 {
	if c.MutationRate > 0 && c.MutationRate <= 1 {
		return c.MutationRate
	}
	return 0.1
}

func (c Config) mutationSigma() float64 {
	if c.MutationSigma > 0 {
		return c.MutationSigma
	}
	return 0.1
}

// Optimizer runs genetic searches. Safe for concurrent use.
type Optimizer struct {
	config    Config
	validator Validator
	logger    *slog.Logger

	mu      sync.Mutex
	seeds   *rand.Rand
	archive map[string]capability.Params
}

// New creates an optimizer validating candidates with v.
func New(config Config, v Validator, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Optimizer{
		config:    config,
		validator: v,
		logger:    logger,
		seeds:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		archive:   make(map[string]capability.Params),
	}
}

type individual struct {
	genes   []float64
	params  capability.Params
	fitness float64
}

// Optimize returns the best valid parameter set found within the configured
// number of generations. Cancelling ctx stops the search early and returns
// the best candidate so far.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (capability.Params, error) {
	rng := o.rng()
	generations := req.Generations
	if generations <= 0 {
		generations = o.config.generations()
	}
	size := req.PopulationSize
	if size <= 1 {
		size = o.config.populationSize()
	}
	fitness := req.Fitness
	if fitness == nil {
		fitness = func(capability.Params) float64 { return 0 }
	}

	eval := func(genes []float64) (individual, bool) {
		p := decode(req.Space, genes, req.Fixed)
		if err := o.validator.Validate(req.ToolID, p); err != nil {
			return individual{}, false
		}
		return individual{genes: genes, params: p, fitness: fitness(p)}, true
	}

	var best *individual
	consider := func(ind individual) {
		if best == nil || ind.fitness > best.fitness {
			cp := ind
			best = &cp
		}
	}

	if len(req.Space) == 0 {
		ind, ok := eval(nil)
		if !ok {
			return nil, ErrNoValidCandidate
		}
		return ind.params, nil
	}

	pop := make([]individual, 0, size)
	for _, seed := range o.seedGenes(req) {
		if ind, ok := eval(seed); ok && len(pop) < size {
			pop = append(pop, ind)
			consider(ind)
		}
	}
	for attempts := 0; len(pop) < size && attempts < size*4; attempts++ {
		if ind, ok := eval(randomGenes(rng, len(req.Space))); ok {
			pop = append(pop, ind)
			consider(ind)
		}
	}
	if len(pop) == 0 {
		return nil, ErrNoValidCandidate
	}

	elite := o.config.eliteCount(size)
	pc, pm, sigma := o.config.crossoverRate(), o.config.mutationRate(), o.config.mutationSigma()
	tsize := o.config.tournamentSize()

	for gen := 0; gen < generations; gen++ {
		if ctx.Err() != nil {
			break
		}
		sort.SliceStable(pop, func(i, j int) bool { return pop[i].fitness > pop[j].fitness })

		next := make([]individual, 0, size)
		for i := 0; i < elite && i < len(pop); i++ {
			next = append(next, pop[i])
		}
		for attempts := 0; len(next) < size && attempts < size*4; attempts++ {
			a, b := tournament(rng, pop, tsize), tournament(rng, pop, tsize)
			child := append([]float64(nil), a.genes...)
			if rng.Float64() < pc {
				for i := range child {
					if rng.Float64() < 0.5 {
						child[i] = b.genes[i]
					}
				}
			}
			for i := range child {
				if rng.Float64() < pm {
					child[i] = clamp01(child[i] + rng.NormFloat64()*sigma)
				}
			}
			ind, ok := eval(child)
			if !ok {
				continue
			}
			next = append(next, ind)
			consider(ind)
		}
		pop = next
	}

	if req.ArchiveKey != "" {
		o.mu.Lock()
		o.archive[req.ArchiveKey] = best.params.Clone()
		o.mu.Unlock()
	}
	o.logger.DebugContext(ctx, "parameter search finished",
		slog.String("tool", req.ToolID),
		slog.Int("generations", generations),
		slog.Int("population", size),
		slog.Float64("best_fitness", best.fitness),
	)
	return best.params.Clone(), nil
}

// rng derives an independent generator for one run.
func (o *Optimizer) rng() *rand.Rand {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rand.New(rand.NewPCG(o.seeds.Uint64(), o.seeds.Uint64()))
}

// seedGenes returns the encoded archived best and declared defaults.
func (o *Optimizer) seedGenes(req Request) [][]float64 {
	var out [][]float64
	if req.ArchiveKey != "" {
		o.mu.Lock()
		prev, ok := o.archive[req.ArchiveKey]
		o.mu.Unlock()
		if ok {
			out = append(out, encode(req.Space, prev))
		}
	}
	defaults := make(capability.Params)
	for _, s := range req.Space {
		if s.Default != nil {
			defaults[s.Name] = s.Default
		}
	}
	if len(defaults) > 0 {
		out = append(out, encode(req.Space, defaults))
	}
	return out
}

func tournament(rng *rand.Rand, pop []individual, k int) individual {
	best := pop[rng.IntN(len(pop))]
	for i := 1; i < k; i++ {
		if c := pop[rng.IntN(len(pop))]; c.fitness > best.fitness {
			best = c
		}
	}
	return best
}

func randomGenes(rng *rand.Rand, n int) []float64 {
	g := make([]float64, n)
	for i := range g {
		g[i] = rng.Float64()
	}
	return g
}

// decode maps genes to concrete values, repairing out-of-range genes by
// clamping, integer rounding and enum snapping.
func decode(space []capability.ParamSpec, genes []float64, fixed capability.Params) capability.Params {
	p := fixed.Clone()
	for i, spec := range space {
		g := 0.5
		if i < len(genes) {
			g = clamp01(genes[i])
		}
		switch spec.Kind {
		case capability.KindInt:
			v := math.Round(spec.Min + g*(spec.Max-spec.Min))
			p[spec.Name] = int(math.Max(spec.Min, math.Min(spec.Max, v)))
		case capability.KindFloat:
			p[spec.Name] = math.Max(spec.Min, math.Min(spec.Max, spec.Min+g*(spec.Max-spec.Min)))
		case capability.KindEnum:
			if n := len(spec.Choices); n > 0 {
				idx := int(g * float64(n))
				if idx >= n {
					idx = n - 1
				}
				p[spec.Name] = spec.Choices[idx].Value
			}
		case capability.KindBool:
			p[spec.Name] = g >= 0.5
		}
	}
	return p
}

// encode is the inverse of decode for known values; unknown values map to 0.5.
func encode(space []capability.ParamSpec, p capability.Params) []float64 {
	genes := make([]float64, len(space))
	for i, spec := range space {
		genes[i] = 0.5
		v, ok := p[spec.Name]
		if !ok {
			continue
		}
		switch spec.Kind {
		case capability.KindInt, capability.KindFloat:
			if f, ok := number(v); ok && spec.Max > spec.Min {
				genes[i] = clamp01((f - spec.Min) / (spec.Max - spec.Min))
			}
		case capability.KindEnum:
			if s, ok := v.(string); ok {
				for j, c := range spec.Choices {
					if c.Value == s {
						genes[i] = (float64(j) + 0.5) / float64(len(spec.Choices))
					}
				}
			}
		case capability.KindBool:
			if b, ok := v.(bool); ok {
				genes[i] = 0.25
				if b {
					genes[i] = 0.75
				}
			}
		}
	}
	return genes
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
