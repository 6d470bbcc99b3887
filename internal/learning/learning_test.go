package learning

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testKey = Key{Domain: "network", ToolID: "nmap_scan", TargetState: "ipv4-host"}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- EMA ---

func TestRecordOutcome_FirstObservationSeeds(t *testing.T) {
	s := NewStore(Config{}, nil, nil, nil)
	rec, err := s.RecordOutcome(context.Background(), testKey, true, 0.73)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if !approx(rec.Effectiveness, 0.73) {
		t.Errorf("effectiveness = %v, want 0.73", rec.Effectiveness)
	}
	if rec.Invocations != 1 || rec.Successes != 1 || rec.Failures != 0 {
		t.Errorf("counters = %+v", rec)
	}
}

func TestRecordOutcome_EMA(t *testing.T) {
	s := NewStore(Config{Alpha: 0.3}, nil, nil, nil)
	ctx := context.Background()
	_, _ = s.RecordOutcome(ctx, testKey, true, 1.0)
	rec, _ := s.RecordOutcome(ctx, testKey, false, 0.0)
	if !approx(rec.Effectiveness, 0.7) {
		t.Errorf("effectiveness = %v, want 0.7", rec.Effectiveness)
	}
	rec, _ = s.RecordOutcome(ctx, testKey, true, 0.5)
	want := 0.3*0.5 + 0.7*0.7
	if !approx(rec.Effectiveness, want) {
		t.Errorf("effectiveness = %v, want %v", rec.Effectiveness, want)
	}
	if rec.Failures != 1 || rec.Successes != 2 {
		t.Errorf("counters = %+v", rec)
	}
}

func TestRecordOutcome_SeedFromZero(t *testing.T) {
	s := NewStore(Config{Alpha: 0.3, Seed: SeedFromZero}, nil, nil, nil)
	rec, _ := s.RecordOutcome(context.Background(), testKey, true, 1.0)
	if !approx(rec.Effectiveness, 0.3) {
		t.Errorf("effectiveness = %v, want 0.3", rec.Effectiveness)
	}
}

func TestRecordOutcome_ClampsAndRejectsNaN(t *testing.T) {
	s := NewStore(Config{}, nil, nil, nil)
	ctx := context.Background()
	rec, _ := s.RecordOutcome(ctx, testKey, true, 4.2)
	if rec.Effectiveness != 1 {
		t.Errorf("effectiveness = %v, want 1", rec.Effectiveness)
	}
	if _, err := s.RecordOutcome(ctx, testKey, true, math.NaN()); !errors.Is(err, ErrInvalidObservation) {
		t.Fatalf("expected ErrInvalidObservation, got %v", err)
	}
}

func TestGet_DefaultZeroRecord(t *testing.T) {
	s := NewStore(Config{}, nil, nil, nil)
	rec, err := s.Get(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Key != testKey || rec.Invocations != 0 || rec.Effectiveness != 0 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(s.Snapshot()) != 0 {
		t.Error("untouched keys must not appear in snapshot")
	}
}

// --- Concurrency ---

func TestRecordOutcome_ConcurrentSameKey(t *testing.T) {
	s := NewStore(Config{}, nil, nil, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.RecordOutcome(ctx, testKey, i%2 == 0, 0.5)
		}(i)
	}
	wg.Wait()
	rec, _ := s.Get(ctx, testKey)
	if rec.Invocations != 200 || rec.Successes != 100 || rec.Failures != 100 {
		t.Errorf("lost updates: %+v", rec)
	}
}

type blockingPersister struct {
	*memPersister
	block   chan struct{}
	blocked Key
}

func (p *blockingPersister) Save(ctx context.Context, key Key, rec Record) error {
	if key == p.blocked {
		<-p.block
	}
	return p.memPersister.Save(ctx, key, rec)
}

func TestRecordOutcome_DifferentKeysIndependent(t *testing.T) {
	p := &blockingPersister{memPersister: newMemPersister(), block: make(chan struct{}), blocked: testKey}
	s := NewStore(Config{}, p, nil, nil)
	ctx := context.Background()

	go func() { _, _ = s.RecordOutcome(ctx, testKey, true, 1) }()

	other := Key{Domain: "web", ToolID: "nikto_scan", TargetState: "url"}
	done := make(chan struct{})
	go func() {
		_, _ = s.RecordOutcome(ctx, other, true, 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update to an unrelated key blocked behind a slow save")
	}
	close(p.block)
}

// --- Persistence ---

type memPersister struct {
	mu      sync.Mutex
	records map[Key]Record
	failing bool
}

func newMemPersister() *memPersister {
	return &memPersister{records: make(map[Key]Record)}
}

func (p *memPersister) Load(_ context.Context, key Key) (Record, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[key]
	return rec, ok, nil
}

func (p *memPersister) Save(_ context.Context, key Key, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("disk full")
	}
	p.records[key] = rec
	return nil
}

func (p *memPersister) List(_ context.Context) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	return out, nil
}

func TestStore_LoadsFromPersister(t *testing.T) {
	p := newMemPersister()
	p.records[testKey] = Record{Key: testKey, Invocations: 4, Successes: 3, Failures: 1, Effectiveness: 0.6}
	s := NewStore(Config{Alpha: 0.5}, p, nil, nil)

	rec, err := s.RecordOutcome(context.Background(), testKey, true, 1.0)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if rec.Invocations != 5 || !approx(rec.Effectiveness, 0.8) {
		t.Errorf("persisted prior not applied: %+v", rec)
	}
	if saved := p.records[testKey]; saved.Invocations != 5 {
		t.Errorf("record not saved: %+v", saved)
	}
}

func TestStore_FailedSaveLeavesRecordUnchanged(t *testing.T) {
	p := newMemPersister()
	s := NewStore(Config{}, p, nil, nil)
	ctx := context.Background()
	_, _ = s.RecordOutcome(ctx, testKey, true, 0.9)

	p.failing = true
	if _, err := s.RecordOutcome(ctx, testKey, false, 0); err == nil {
		t.Fatal("expected save error")
	}
	rec, _ := s.Get(ctx, testKey)
	if rec.Invocations != 1 || !approx(rec.Effectiveness, 0.9) {
		t.Errorf("partial write visible: %+v", rec)
	}
}

func TestStore_Warm(t *testing.T) {
	p := newMemPersister()
	p.records[testKey] = Record{Key: testKey, Invocations: 2, Effectiveness: 0.4}
	s := NewStore(Config{}, p, nil, nil)
	n, err := s.Warm(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Warm = %d, %v", n, err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Invocations != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

// --- Metrics ---

func TestStore_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := NewStore(Config{}, nil, m, nil)
	_, _ = s.RecordOutcome(context.Background(), testKey, true, 0.65)

	got := testutil.ToFloat64(m.Effectiveness.WithLabelValues("network", "nmap_scan", "ipv4-host"))
	if !approx(got, 0.65) {
		t.Errorf("effectiveness gauge = %v", got)
	}
	if c := testutil.ToFloat64(m.Outcomes.WithLabelValues("network", "nmap_scan", "success")); c != 1 {
		t.Errorf("outcomes = %v", c)
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Fatal("expected nil metrics for nil registry")
	}
}

// --- Observation ---

func TestObserve(t *testing.T) {
	if Observe(false, 1, 0, time.Second) != 0 {
		t.Error("failure must observe 0")
	}
	fast := Observe(true, 0.9, 100*time.Millisecond, time.Second)
	slow := Observe(true, 0.9, 900*time.Millisecond, time.Second)
	if fast <= slow {
		t.Errorf("faster run must observe more: fast=%v slow=%v", fast, slow)
	}
	if rich, poor := Observe(true, 0.9, 0, time.Second), Observe(true, 0.1, 0, time.Second); rich <= poor {
		t.Errorf("higher priority must observe more: %v <= %v", rich, poor)
	}
	if v := Observe(true, 1, 0, 0); v < 0 || v > 1 {
		t.Errorf("out of range: %v", v)
	}
}
