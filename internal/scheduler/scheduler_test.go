package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/domain"
)

// --- Fakes ---

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []domain.AssessmentRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req domain.AssessmentRequest) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return uuid.New(), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakePruner struct {
	cutoff time.Time
	n      int64
}

func (p *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, nil
}

func job(name, expr string) Job {
	return Job{Name: name, Cron: expr, Request: domain.AssessmentRequest{
		Scope:      []string{"10.0.0.0/24"},
		Objectives: []string{"network-recon"},
		Budget:     domain.Budget{MaxTasks: 10},
	}}
}

// --- Config ---

func TestJobsFromConfig(t *testing.T) {
	jobs := JobsFromConfig([]config.ScheduleConfig{
		{Name: "nightly", Cron: "@daily", Scope: []string{"h"}, Objectives: []string{"recon"}, MaxTasks: 5, MaxDurationS: 600},
		{Cron: "0 * * * *", Scope: []string{"h"}, Objectives: []string{"web"}},
	})
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].Name != "nightly" || jobs[0].Request.Budget.MaxTasks != 5 || jobs[0].Request.Budget.MaxDuration != 10*time.Minute {
		t.Errorf("jobs[0] = %+v", jobs[0])
	}
	if jobs[1].Name != "schedule-1" {
		t.Errorf("unnamed job = %q", jobs[1].Name)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(&fakeSubmitter{}, []Job{job("bad", "every tuesday")}, nil, nil); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := New(&fakeSubmitter{}, []Job{job("a", "@daily"), job("a", "@hourly")}, nil, nil); err == nil {
		t.Error("expected error for duplicate name")
	}
	if _, err := New(&fakeSubmitter{}, []Job{job("std", "*/5 * * * *"), job("desc", "@weekly")}, nil, nil); err != nil {
		t.Errorf("valid jobs: %v", err)
	}
}

// --- Firing ---

func TestFire(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, err := New(sub, []Job{job("nightly", "@daily")}, metrics, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := s.Fire(context.Background(), "nightly")
	if err != nil || id == uuid.Nil {
		t.Fatalf("Fire = (%s, %v)", id, err)
	}
	if _, err := s.Fire(context.Background(), "nightly"); err != nil {
		t.Fatalf("second Fire: %v", err)
	}
	if sub.count() != 2 {
		t.Fatalf("submissions = %d", sub.count())
	}
	if sub.reqs[0].ID != uuid.Nil {
		t.Error("scheduled requests must get a fresh id from the engine")
	}
	if sub.reqs[0].Budget.MaxTasks != 10 || sub.reqs[0].Scope[0] != "10.0.0.0/24" {
		t.Errorf("request = %+v", sub.reqs[0])
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].LastRun.IsZero() || entries[0].LastError != "" {
		t.Errorf("entries = %+v", entries)
	}
	if got := testutil.ToFloat64(metrics.JobsSucceeded); got != 2 {
		t.Errorf("succeeded = %v", got)
	}

	if _, err := s.Fire(context.Background(), "ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestFire_SubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("too many running assessments")}
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := New(sub, []Job{job("nightly", "@daily")}, metrics, nil)

	if _, err := s.Fire(context.Background(), "nightly"); err == nil {
		t.Fatal("expected error")
	}
	if e := s.Entries()[0]; e.LastError == "" {
		t.Errorf("LastError not recorded: %+v", e)
	}
	if got := testutil.ToFloat64(metrics.JobsFailed); got != 1 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobsFired); got != 1 {
		t.Errorf("fired = %v", got)
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	sub := &fakeSubmitter{}
	s, err := New(sub, []Job{job("fast", "@every 1s")}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop()

	if next := s.Entries()[0].Next; next.IsZero() {
		t.Error("started job should have a next run time")
	}
	deadline := time.Now().Add(5 * time.Second)
	for sub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
	stop()
	stop()
}

// --- Retention ---

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pruner := &fakePruner{n: 3}
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := New(&fakeSubmitter{}, nil, metrics, nil)
	s.now = func() time.Time { return now }

	if n, err := s.Prune(context.Background()); err != nil || n != 0 {
		t.Fatalf("prune without retention = (%d, %v)", n, err)
	}

	s.WithRetention(pruner, 30*24*time.Hour, "")
	n, err := s.Prune(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Prune = (%d, %v)", n, err)
	}
	if want := now.Add(-30 * 24 * time.Hour); !pruner.cutoff.Equal(want) {
		t.Errorf("cutoff = %s, want %s", pruner.cutoff, want)
	}
	if s.retention.spec != "@daily" {
		t.Errorf("default spec = %q", s.retention.spec)
	}
	if got := testutil.ToFloat64(metrics.ReportsPruned); got != 3 {
		t.Errorf("pruned metric = %v", got)
	}
}

func TestWithRetention_Disabled(t *testing.T) {
	s, _ := New(&fakeSubmitter{}, nil, nil, nil)
	s.WithRetention(&fakePruner{}, 0, "@daily")
	if s.retention != nil {
		t.Error("zero keep should disable retention")
	}
}

func TestNextRunFrom(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRunFrom("0 * * * *", from)
	if err != nil {
		t.Fatalf("NextRunFrom: %v", err)
	}
	if want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if _, err := NextRunFrom("nope", from); err == nil {
		t.Error("expected error")
	}
}

func TestNilMetrics(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("nil registry should give nil metrics")
	}
}
