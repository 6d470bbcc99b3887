// Package learning implements the learning context store: per
// (worker domain, tool, target state) outcome statistics and a running
// effectiveness estimate maintained as an exponential moving average.
//
// The store is injected into every component that needs it. Updates are
// serialized per key; updates to different keys proceed independently.
// Durable storage across sessions is delegated to a Persister.
package learning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultAlpha is the EMA smoothing factor applied to new observations.
const DefaultAlpha = 0.3

// SeedPolicy selects how a fresh record's first observation sets its
// effectiveness.
type SeedPolicy int

const (
	// SeedFromObservation sets effectiveness to the first observed value.
	SeedFromObservation SeedPolicy = iota
	// SeedFromZero applies the EMA against a zero prior.
	SeedFromZero
)

// DefaultSeedPolicy is the seeding rule used unless configured otherwise:
// a fresh record adopts its first observation verbatim.
const DefaultSeedPolicy = SeedFromObservation

// Key identifies one learning record.
type Key struct {
	Domain      string `json:"domain"`
	ToolID      string `json:"tool_id"`
	TargetState string `json:"target_state"`
}

func (k Key) String() string {
	return k.Domain + "/" + k.ToolID + "/" + k.TargetState
}

// Record holds the outcome statistics for one key.
type Record struct {
	Key           Key       `json:"key"`
	Invocations   int       `json:"invocations"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	Effectiveness float64   `json:"effectiveness"` // Always in [0,1].
	UpdatedAt     time.Time `json:"updated_at"`
}

// SuccessRate returns successes / invocations, or 0 for a fresh record.
func (r Record) SuccessRate() float64 {
	if r.Invocations == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Invocations)
}

// Persister is the durable-storage collaborator.
type Persister interface {
	// Load returns the stored record; ok is false when none exists.
	Load(ctx context.Context, key Key) (rec Record, ok bool, err error)
	Save(ctx context.Context, key Key, rec Record) error
}

// Lister is implemented by persisters that can enumerate stored records.
type Lister interface {
	List(ctx context.Context) ([]Record, error)
}

// ErrInvalidObservation is returned for a NaN observed effectiveness.
var ErrInvalidObservation = errors.New("observed effectiveness is not a number")

// Config tunes the store. Zero values select defaults.
type Config struct {
	Alpha float64    // EMA weight of the newest observation, in (0,1]. 0 = DefaultAlpha.
	Seed  SeedPolicy // First-observation rule.
}

func (c Config) alpha() float64 {
	if c.Alpha > 0 && c.Alpha <= 1 {
		return c.Alpha
	}
	return DefaultAlpha
}

type entry struct {
	mu     sync.Mutex
	rec    Record
	loaded bool
}

// Store is the learning context store.
type Store struct {
	config    Config
	persister Persister
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewStore creates a store. persister and metrics may be nil.
func NewStore(config Config, persister Persister, metrics *Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		config:    config,
		persister: persister,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[Key]*entry),
	}
}

// Alpha returns the configured smoothing factor.
func (s *Store) Alpha() float64 { return s.config.alpha() }

func (s *Store) entry(key Key) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{rec: Record{Key: key}}
	s.entries[key] = e
	return e
}

// load fills e from the persister on first touch. Caller holds e.mu.
func (s *Store) load(ctx context.Context, key Key, e *entry) error {
	if e.loaded {
		return nil
	}
	if s.persister != nil {
		rec, ok, err := s.persister.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("loading learning record %s: %w", key, err)
		}
		if ok {
			rec.Key = key
			rec.Effectiveness = clamp01(rec.Effectiveness)
			e.rec = rec
		}
	}
	e.loaded = true
	return nil
}

// Get returns the record for key, or a zero record when none exists.
func (s *Store) Get(ctx context.Context, key Key) (Record, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, key, e); err != nil {
		return Record{Key: key}, err
	}
	return e.rec, nil
}

// RecordOutcome folds one task outcome into the record for key:
//
//	effectiveness' = α·observed + (1-α)·effectiveness
//
// The first observation of a fresh record is handled by the seed policy.
// The update is computed on a copy and published only once persisted, so a
// failed save leaves the record unchanged.
func (s *Store) RecordOutcome(ctx context.Context, key Key, success bool, observed float64) (Record, error) {
	if math.IsNaN(observed) {
		return Record{}, ErrInvalidObservation
	}
	observed = clamp01(observed)

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, key, e); err != nil {
		return e.rec, err
	}

	next := e.rec
	alpha := s.config.alpha()
	if next.Invocations == 0 && s.config.Seed == SeedFromObservation {
		next.Effectiveness = observed
	} else {
		next.Effectiveness = clamp01(alpha*observed + (1-alpha)*next.Effectiveness)
	}
	next.Invocations++
	if success {
		next.Successes++
	} else {
		next.Failures++
	}
	next.UpdatedAt = s.now()

	if s.persister != nil {
		if err := s.persister.Save(ctx, key, next); err != nil {
			if s.metrics != nil {
				s.metrics.PersistErrors.Inc()
			}
			return e.rec, fmt.Errorf("saving learning record %s: %w", key, err)
		}
	}
	e.rec = next

	s.logger.DebugContext(ctx, "learning record updated",
		slog.String("key", key.String()),
		slog.Bool("success", success),
		slog.Float64("observed", observed),
		slog.Float64("effectiveness", next.Effectiveness),
		slog.Int("invocations", next.Invocations),
	)
	if s.metrics != nil {
		s.metrics.observe(next, success)
	}
	return next, nil
}

// Warm preloads every stored record when the persister can list them.
func (s *Store) Warm(ctx context.Context) (int, error) {
	lister, ok := s.persister.(Lister)
	if !ok {
		return 0, nil
	}
	records, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing learning records: %w", err)
	}
	for _, rec := range records {
		e := s.entry(rec.Key)
		e.mu.Lock()
		if !e.loaded {
			rec.Effectiveness = clamp01(rec.Effectiveness)
			e.rec = rec
			e.loaded = true
		}
		e.mu.Unlock()
	}
	return len(records), nil
}

// Snapshot returns copies of all records held in memory, sorted by key.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.Invocations > 0 {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
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
