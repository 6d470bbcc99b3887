package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/tools/simulate"
)

type memSink struct {
	mu      sync.Mutex
	reports []*domain.FindingSet
}

func (s *memSink) SaveReport(_ context.Context, fs *domain.FindingSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, fs)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_SubmitAndPull(t *testing.T) {
	h := newHarness(t, fastRetry, time.Second, simTool{id: "ping", domain: capability.DomainNetwork,
		profile: simulate.Profile{SuccessRate: 1, Latency: 5 * time.Millisecond, Findings: []simulate.Finding{lowRisk("Live host")}}})
	sink := &memSink{}
	e := NewEngine(h.sup, sink, EngineConfig{}, nil)
	defer e.Close()

	// A cancelled submit context must not cancel the session.
	subCtx, cancel := context.WithCancel(context.Background())
	id, err := e.Submit(subCtx, request(ObjectiveNetworkRecon, 3, "10.0.0.5"))
	cancel()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fs, err := e.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fs.Status != domain.SessionCompleted || len(fs.Findings) != 1 {
		t.Fatalf("result = %s with %d findings", fs.Status, len(fs.Findings))
	}

	sum, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if sum.Status != domain.SessionCompleted || sum.FinishedAt == nil || sum.Tasks[domain.TaskSucceeded] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if got, _ := e.Findings(id); got != fs {
		t.Error("Findings should return the final set")
	}
	if sink.len() != 1 {
		t.Errorf("reports saved = %d", sink.len())
	}
	if list := e.List(); len(list) != 1 || list[0].ID != id {
		t.Errorf("List = %+v", list)
	}

	ch, unsubscribe, err := e.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	if _, open := <-ch; open {
		t.Error("subscription of a finished session should be closed")
	}
}

func TestEngine_SubscribeAndCancel(t *testing.T) {
	h := newHarness(t, fastRetry, time.Hour, simTool{id: "hang", domain: capability.DomainNetwork,
		profile: simulate.Profile{SuccessRate: 1, Latency: time.Hour}})
	e := NewEngine(h.sup, nil, EngineConfig{}, nil)
	defer e.Close()

	id, err := e.Submit(context.Background(), request(ObjectiveNetworkRecon, 3, "10.0.0.5"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Wait for the task to start.
	deadline := time.Now().Add(5 * time.Second)
	for {
		partial, err := e.Findings(id)
		if err != nil {
			t.Fatalf("Findings: %v", err)
		}
		if len(partial.Tasks) == 1 && partial.Tasks[0].Task.State == domain.TaskRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ch, unsubscribe, err := e.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	if sum, _ := e.Status(id); sum.Status.Done() {
		t.Fatalf("status = %s while running", sum.Status)
	}

	if err := e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fs, err := e.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fs.Status != domain.SessionAborted || fs.Tasks[0].Task.State != domain.TaskCancelled {
		t.Errorf("after cancel: %s / %s", fs.Status, fs.Tasks[0].Task.State)
	}
	var last Event
	for ev := range ch {
		last = ev
	}
	if last.Type != EventStatus || last.Status != domain.SessionAborted {
		t.Errorf("last event = %+v", last)
	}
}

func TestEngine_Limits(t *testing.T) {
	h := newHarness(t, fastRetry, time.Hour, simTool{id: "hang", domain: capability.DomainNetwork,
		profile: simulate.Profile{SuccessRate: 1, Latency: time.Hour}})
	e := NewEngine(h.sup, nil, EngineConfig{MaxSessions: 1}, nil)
	defer e.Close()

	if _, err := e.Submit(context.Background(), request(ObjectiveNetworkRecon, 3, "10.0.0.5")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.Submit(context.Background(), request(ObjectiveNetworkRecon, 3, "10.0.0.6")); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if _, err := e.Submit(context.Background(), domain.AssessmentRequest{}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := e.Status(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := e.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
