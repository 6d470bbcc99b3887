// Package scheduler runs recurring assessments from cron expressions and
// the report retention job. Scheduled assessments go through the same
// engine submission path as API requests, with the same validation and
// session limits.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/domain"
)

// Submitter starts assessments.
type Submitter interface {
	Submit(ctx context.Context, req domain.AssessmentRequest) (uuid.UUID, error)
}

// Pruner deletes reports finished before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrUnknownJob is returned by Fire for a name that is not scheduled.
var ErrUnknownJob = errors.New("unknown scheduled job")

// Job is one recurring assessment.
type Job struct {
	Name    string
	Cron    string
	Request domain.AssessmentRequest
}

// JobsFromConfig converts configured schedules. Unnamed schedules are
// named by position.
func JobsFromConfig(cfgs []config.ScheduleConfig) []Job {
	jobs := make([]Job, 0, len(cfgs))
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i)
		}
		jobs = append(jobs, Job{
			Name: name,
			Cron: c.Cron,
			Request: domain.AssessmentRequest{
				Scope:      c.Scope,
				Objectives: c.Objectives,
				Budget: domain.Budget{
					MaxTasks:    c.MaxTasks,
					MaxDuration: time.Duration(c.MaxDurationS) * time.Second,
				},
			},
		})
	}
	return jobs
}

// Entry reports the state of a scheduled job.
type Entry struct {
	Name           string    `json:"name"`
	Cron           string    `json:"cron"`
	Next           time.Time `json:"next,omitempty"`
	LastRun        time.Time `json:"last_run,omitempty"`
	LastAssessment uuid.UUID `json:"last_assessment,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

type retention struct {
	pruner Pruner
	keep   time.Duration
	spec   string
}

// Scheduler fires jobs on their cron schedules.
type Scheduler struct {
	submitter Submitter
	metrics   *Metrics
	logger    *slog.Logger
	parser    cron.Parser
	now       func() time.Time

	jobs      map[string]Job
	retention *retention

	mu      sync.Mutex
	cron    *cron.Cron
	ids     map[string]cron.EntryID
	history map[string]Entry
}

// newParser accepts standard 5-field expressions and descriptors like @daily.
func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New validates every job's expression. metrics may be nil.
func New(submitter Submitter, jobs []Job, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
		parser:    newParser(),
		now:       time.Now,
		jobs:      make(map[string]Job, len(jobs)),
		history:   make(map[string]Entry, len(jobs)),
	}
	for _, j := range jobs {
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate scheduled job %q", j.Name)
		}
		if _, err := s.parser.Parse(j.Cron); err != nil {
			return nil, fmt.Errorf("job %q: invalid cron expression %q: %w", j.Name, j.Cron, err)
		}
		s.jobs[j.Name] = j
		s.history[j.Name] = Entry{Name: j.Name, Cron: j.Cron}
	}
	return s, nil
}

// WithRetention prunes reports older than keep on spec (default "@daily").
// A zero keep disables pruning.
func (s *Scheduler) WithRetention(p Pruner, keep time.Duration, spec string) *Scheduler {
	if p == nil || keep <= 0 {
		return s
	}
	if spec == "" {
		spec = "@daily"
	}
	s.retention = &retention{pruner: p, keep: keep, spec: spec}
	return s
}

// Start schedules every job and returns a function that stops the
// scheduler and waits for running jobs. Jobs inherit ctx's values but not
// its cancellation once submitted.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)

	ids := make(map[string]cron.EntryID, len(s.jobs))
	for name, j := range s.jobs {
		id, err := c.AddFunc(j.Cron, func() { _, _ = s.Fire(ctx, name) })
		if err != nil {
			return nil, fmt.Errorf("scheduling %q: %w", name, err)
		}
		ids[name] = id
	}
	if r := s.retention; r != nil {
		if _, err := c.AddFunc(r.spec, func() { _, _ = s.Prune(ctx) }); err != nil {
			return nil, fmt.Errorf("scheduling report retention: %w", err)
		}
	}

	s.mu.Lock()
	s.cron, s.ids = c, ids
	s.mu.Unlock()

	c.Start()
	s.logger.InfoContext(ctx, "assessment scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Bool("retention", s.retention != nil),
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			<-c.Stop().Done()
			s.logger.Info("assessment scheduler stopped")
		})
	}, nil
}

// Fire submits the named job now.
func (s *Scheduler) Fire(ctx context.Context, name string) (uuid.UUID, error) {
	j, ok := s.jobs[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	correlationID := newCorrelationID()
	s.logger.InfoContext(ctx, "firing scheduled assessment",
		slog.String("job", name),
		slog.String("correlation_id", correlationID),
	)
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	req := j.Request.Clone()
	req.ID = uuid.Nil
	id, err := s.submitter.Submit(ctx, req)

	s.mu.Lock()
	e := s.history[name]
	e.LastRun = s.now().UTC()
	e.LastAssessment = id
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	s.history[name] = e
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled assessment submission failed",
			slog.String("job", name),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		return uuid.Nil, err
	}
	if s.metrics != nil {
		s.metrics.JobsSucceeded.Inc()
	}
	s.logger.InfoContext(ctx, "scheduled assessment submitted",
		slog.String("job", name),
		slog.String("assessment_id", id.String()),
		slog.String("correlation_id", correlationID),
	)
	return id, nil
}

// Prune runs the retention job now. It is a no-op without retention.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	r := s.retention
	if r == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-r.keep)
	n, err := r.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "report retention failed", slog.String("error", err.Error()))
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.ReportsPruned.Add(float64(n))
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "pruned assessment reports",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Entries returns the jobs sorted by name with their next run times once
// started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.history))
	for name, e := range s.history {
		if s.cron != nil {
			if id, ok := s.ids[name]; ok {
				e.Next = s.cron.Entry(id).Next
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRunFrom computes the next run time of expr after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := newParser().Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// cronLogger routes cron's logging to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
