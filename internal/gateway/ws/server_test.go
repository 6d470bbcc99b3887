package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/supervisor"
)

// --- Fakes ---

type fakeStreams struct {
	mu     sync.Mutex
	id     uuid.UUID
	status domain.SessionStatus
	events chan supervisor.Event
	unsubs int
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{id: uuid.New(), status: domain.SessionExecuting, events: make(chan supervisor.Event, 8)}
}

func (f *fakeStreams) Status(id uuid.UUID) (supervisor.Summary, error) {
	if id != f.id {
		return supervisor.Summary{}, fmt.Errorf("%w: %s", supervisor.ErrSessionNotFound, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Summary{ID: id, Status: f.status}, nil
}

func (f *fakeStreams) Subscribe(id uuid.UUID) (<-chan supervisor.Event, func(), error) {
	if id != f.id {
		return nil, nil, fmt.Errorf("%w: %s", supervisor.ErrSessionNotFound, id)
	}
	return f.events, func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeStreams) finish(status domain.SessionStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
	close(f.events)
}

// --- Helpers ---

func newTestServer(t *testing.T, streams Streams, cfg Config) string {
	t.Helper()
	srv := NewServer(streams, cfg, nil)
	mux := http.NewServeMux()
	mux.Handle(cfg.prefix(), srv.Handler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// --- Stream ---

func TestServer_StreamsUntilDone(t *testing.T) {
	streams := newFakeStreams()
	base := newTestServer(t, streams, Config{APIKeys: map[string]string{"secret": "alice"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, base+"/ws/assessments/"+streams.id.String(), &websocket.DialOptions{
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer secret"}},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if conn.Subprotocol() != Subprotocol {
		t.Errorf("subprotocol = %q", conn.Subprotocol())
	}

	snap := readMessage(t, ctx, conn)
	if snap.Type != MsgSnapshot || snap.Summary == nil || snap.Summary.ID != streams.id {
		t.Fatalf("first message = %+v", snap)
	}

	task := domain.Task{ID: uuid.New(), AssessmentID: streams.id, State: domain.TaskRunning}
	streams.events <- supervisor.Event{Type: supervisor.EventTask, AssessmentID: streams.id, Task: &task, Time: time.Now()}
	ev := readMessage(t, ctx, conn)
	if ev.Type != string(supervisor.EventTask) || ev.Event == nil || ev.Event.Task.ID != task.ID {
		t.Fatalf("event message = %+v", ev)
	}

	streams.finish(domain.SessionCompleted)
	done := readMessage(t, ctx, conn)
	if done.Type != MsgDone || done.Summary == nil || done.Summary.Status != domain.SessionCompleted {
		t.Fatalf("done message = %+v", done)
	}

	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", err)
	}
	// The handler unsubscribes after the close handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		streams.mu.Lock()
		n := streams.unsubs
		streams.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unsubscribe calls = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_TokenQueryAndPing(t *testing.T) {
	streams := newFakeStreams()
	base := newTestServer(t, streams, Config{APIKeys: map[string]string{"secret": "alice"}, PingInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, base+"/ws/assessments/"+streams.id.String()+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_ = readMessage(t, ctx, conn)
	if msg := readMessage(t, ctx, conn); msg.Type != MsgPing {
		t.Errorf("expected ping, got %+v", msg)
	}
}

// --- Rejections ---

func TestServer_Rejections(t *testing.T) {
	streams := newFakeStreams()
	base := newTestServer(t, streams, Config{APIKeys: map[string]string{"secret": "alice"}})

	tests := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"no key", "/ws/assessments/" + streams.id.String(), "", http.StatusUnauthorized},
		{"wrong key", "/ws/assessments/" + streams.id.String(), "Bearer nope", http.StatusUnauthorized},
		{"bad id", "/ws/assessments/abc", "Bearer secret", http.StatusBadRequest},
		{"unknown id", "/ws/assessments/" + uuid.NewString(), "Bearer secret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
			if tt.auth != "" {
				opts.HTTPHeader.Set("Authorization", tt.auth)
			}
			conn, resp, err := websocket.Dial(ctx, base+tt.path, opts)
			if err == nil {
				conn.CloseNow()
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestServer_NoKeysAllowsAnonymous(t *testing.T) {
	s := NewServer(newFakeStreams(), Config{}, nil)
	r := httptest.NewRequest(http.MethodGet, "/ws/assessments/x", nil)
	if caller, ok := s.authorize(r); !ok || caller != "anonymous" {
		t.Errorf("authorize = (%q, %v)", caller, ok)
	}
	if got := s.Pattern(); got != "/ws/assessments/{id}" {
		t.Errorf("pattern = %q", got)
	}
}
