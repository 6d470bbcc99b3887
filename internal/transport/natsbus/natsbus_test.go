package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// loopback answers requests with a Server's handler in-process.
type loopback struct {
	srv      *Server
	subjects []string
	err      error
}

func (l *loopback) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	l.subjects = append(l.subjects, subj)
	if l.err != nil {
		return nil, l.err
	}
	return &nats.Msg{Subject: subj, Data: l.srv.handle(ctx, data)}, nil
}

func newLoopback(t *testing.T, exec worker.ExecutorFunc) *loopback {
	t.Helper()
	pool := worker.NewPool("network", exec, 1, 4, nil, nil)
	pool.Start()
	group := worker.NewGroup()
	group.Add("network", pool)
	t.Cleanup(group.Close)
	srv := NewServer(nil, "kaliagents.tasks", "workers", group, time.Second, nil)
	return &loopback{srv: srv}
}

// dispatch sends task with an attempt context of actx.
func dispatch(t *testing.T, d *Dispatcher, actx context.Context, task domain.Task) worker.Result {
	t.Helper()
	reply := make(chan worker.Result, 1)
	if err := d.Dispatch(context.Background(), worker.Assignment{Ctx: actx, Task: task, Reply: reply}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case res := <-reply:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
		return worker.Result{}
	}
}

func testTask() domain.Task {
	return domain.Task{ID: uuid.New(), Domain: "network", ToolID: "ping", Target: "10.0.0.5", Attempts: 2}
}

// --- Round trip ---

func TestDispatch_Success(t *testing.T) {
	lb := newLoopback(t, func(ctx context.Context, task domain.Task) (worker.Execution, error) {
		if task.Target != "10.0.0.5" {
			t.Errorf("target = %q", task.Target)
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("remote attempt has no deadline")
		}
		return worker.Execution{
			Findings: []domain.Finding{{Title: "Live host", Kind: "live_host", Severity: 0.2}},
			Elapsed:  40 * time.Millisecond,
			Timeout:  time.Second,
		}, nil
	})
	d := NewDispatcher(lb, DispatcherConfig{Prefix: "kaliagents.tasks", Domain: "network"}, nil)
	defer d.Close()

	task := testTask()
	res := dispatch(t, d, context.Background(), task)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.TaskID != task.ID || res.Attempt != 2 {
		t.Errorf("result identity = %s/%d", res.TaskID, res.Attempt)
	}
	if len(res.Execution.Findings) != 1 || res.Execution.Elapsed != 40*time.Millisecond || res.Execution.Timeout != time.Second {
		t.Errorf("execution = %+v", res.Execution)
	}
	if len(lb.subjects) != 1 || lb.subjects[0] != "kaliagents.tasks.network" {
		t.Errorf("subjects = %v", lb.subjects)
	}
}

// --- Error mapping ---

func TestDispatch_PreservesClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{"timeout", &worker.TaskError{ToolID: "ping", Retryable: true, Err: worker.ErrToolTimeout}, worker.ErrToolTimeout, true},
		{"unavailable", &worker.TaskError{ToolID: "ping", Retryable: true, Err: worker.ErrToolUnavailable}, worker.ErrToolUnavailable, true},
		{"invalid target", &worker.TaskError{ToolID: "ping", Err: worker.ErrInvalidTarget}, worker.ErrInvalidTarget, false},
		{"parse", &worker.TaskError{ToolID: "ping", Err: &worker.ParseError{ToolID: "ping", Schema: "findings.v1", Err: errors.New("bad json")}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := newLoopback(t, func(context.Context, domain.Task) (worker.Execution, error) {
				return worker.Execution{}, tt.err
			})
			d := NewDispatcher(lb, DispatcherConfig{Prefix: "kaliagents.tasks", Domain: "network"}, nil)
			defer d.Close()

			res := dispatch(t, d, context.Background(), testTask())
			if res.Err == nil {
				t.Fatal("expected error")
			}
			if got := worker.IsRetryable(res.Err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v (%v)", got, tt.retryable, res.Err)
			}
			if tt.sentinel != nil && !errors.Is(res.Err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, res.Err)
			}
			var te *worker.TaskError
			if !errors.As(res.Err, &te) || te.ToolID != "ping" {
				t.Errorf("tool id lost: %v", res.Err)
			}
		})
	}
}

func TestDispatch_TransportErrors(t *testing.T) {
	lb := &loopback{err: nats.ErrNoResponders}
	d := NewDispatcher(lb, DispatcherConfig{Prefix: "p", Domain: "web"}, nil)
	defer d.Close()

	res := dispatch(t, d, context.Background(), testTask())
	if !errors.Is(res.Err, worker.ErrToolUnavailable) || !worker.IsRetryable(res.Err) {
		t.Fatalf("no responders: %v", res.Err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lb.err = context.Canceled
	res = dispatch(t, d, ctx, testTask())
	if !errors.Is(res.Err, worker.ErrCancelled) || worker.IsRetryable(res.Err) {
		t.Fatalf("cancelled: %v", res.Err)
	}
}

func TestDispatch_AfterClose(t *testing.T) {
	d := NewDispatcher(&loopback{}, DispatcherConfig{Prefix: "p", Domain: "web"}, nil)
	d.Close()
	err := d.Dispatch(context.Background(), worker.Assignment{Task: testTask(), Reply: make(chan worker.Result, 1)})
	if !errors.Is(err, worker.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestHandle_BadRequest(t *testing.T) {
	srv := NewServer(nil, "p", "q", worker.NewGroup(), time.Second, nil)
	out := srv.handle(context.Background(), []byte("{not json"))
	var env resultEnvelope
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("reply is not json: %v", err)
	}
	if env.ErrorKind != kindTerminal {
		t.Errorf("kind = %q", env.ErrorKind)
	}

	// No pool for the domain: retryable so another worker may pick it up.
	d := NewDispatcher(&loopback{srv: srv}, DispatcherConfig{Prefix: "p", Domain: "forensic"}, nil)
	defer d.Close()
	task := testTask()
	task.Domain = "forensic"
	r := dispatch(t, d, context.Background(), task)
	if !errors.Is(r.Err, worker.ErrToolUnavailable) {
		t.Errorf("missing pool: %v", r.Err)
	}
}
