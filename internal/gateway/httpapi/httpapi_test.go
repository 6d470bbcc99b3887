package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/observability"
	"github.com/jkaninda/kaliagents/internal/ratelimit"
	"github.com/jkaninda/kaliagents/internal/storage"
	"github.com/jkaninda/kaliagents/internal/supervisor"
)

// --- Fakes ---

type fakeEngine struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]supervisor.Summary
	events    []supervisor.Event
	cancelled []uuid.UUID
	full      bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[uuid.UUID]supervisor.Summary)}
}

func (f *fakeEngine) Submit(_ context.Context, req domain.AssessmentRequest) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return uuid.Nil, supervisor.ErrTooManySessions
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", supervisor.ErrInvalidRequest, err)
	}
	for _, tag := range req.Objectives {
		if tag == "tarot-reading" {
			return uuid.Nil, &supervisor.UnknownObjectiveError{Tag: tag}
		}
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	f.sessions[req.ID] = supervisor.Summary{ID: req.ID, Status: domain.SessionExecuting, Request: req, StartedAt: time.Now()}
	return req.ID, nil
}

func (f *fakeEngine) Status(id uuid.UUID) (supervisor.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return supervisor.Summary{}, fmt.Errorf("%w: %s", supervisor.ErrSessionNotFound, id)
	}
	return s, nil
}

func (f *fakeEngine) Findings(id uuid.UUID) (*domain.FindingSet, error) {
	s, err := f.Status(id)
	if err != nil {
		return nil, err
	}
	return &domain.FindingSet{AssessmentID: id, Request: s.Request, Status: s.Status}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id uuid.UUID) error {
	if _, err := f.Status(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeEngine) Subscribe(id uuid.UUID) (<-chan supervisor.Event, func(), error) {
	if _, err := f.Status(id); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan supervisor.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeEngine) List() []supervisor.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Summary, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type staticCatalog []capability.Descriptor

func (c staticCatalog) List() []capability.Descriptor { return c }

type staticLearning []learning.Record

func (l staticLearning) Snapshot() []learning.Record { return l }

type fakeHistory struct {
	target string
	limit  int
}

func (h *fakeHistory) History(_ context.Context, target string, limit int) ([]storage.ReportSummary, error) {
	h.target, h.limit = target, limit
	if target == "" {
		return nil, nil
	}
	return []storage.ReportSummary{{AssessmentID: uuid.New(), Status: domain.SessionCompleted, Scope: []string{target}}}, nil
}

// --- Helpers ---

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// serve starts g on a free port and returns its base URL.
func serve(t *testing.T, g *Gateway) string {
	t.Helper()
	addr := freeAddr(t)
	g.config.ListenAddr = addr
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Start(ctx)
	}()
	t.Cleanup(func() {
		_ = g.Stop(context.Background())
		cancel()
		<-done
	})

	base := "http://" + addr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("gateway did not come up on %s", addr)
	return ""
}

func newTestGateway(cfg Config, engine Assessments, rl *ratelimit.Limiter) *Gateway {
	return NewGateway(cfg, engine, rl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, method, url, apiKey, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

// --- Probes ---

func TestGateway_Probes(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	health := observability.NewHealthChecker(nil)
	health.AddCheck("storage", func(context.Context) error { return errors.New("database unreachable") })

	base := serve(t, newTestGateway(Config{
		APIKeys:         map[string]string{"secret": "alice"},
		MetricsRegistry: metrics.Registry,
		Metrics:         metrics,
		HealthChecker:   health,
	}, newFakeEngine(), nil))

	if code, _ := do(t, http.MethodGet, base+"/healthz", "", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code, _ := do(t, http.MethodGet, base+"/readyz", "", ""); code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing check = %d, want 503", code)
	}
	code, body := do(t, http.MethodGet, base+"/metrics", "", "")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if !strings.Contains(string(body), "kaliagents_http_requests_total") {
		t.Errorf("metrics output missing http request counter")
	}
}

// --- Auth & rate limiting ---

func TestGateway_Authentication(t *testing.T) {
	base := serve(t, newTestGateway(Config{APIKeys: map[string]string{"secret": "alice"}}, newFakeEngine(), nil))

	if code, _ := do(t, http.MethodGet, base+"/v1/assessments", "", ""); code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", code)
	}
	if code, _ := do(t, http.MethodGet, base+"/v1/assessments", "wrong", ""); code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", code)
	}
	if code, _ := do(t, http.MethodGet, base+"/v1/assessments", "secret", ""); code != http.StatusOK {
		t.Errorf("valid key = %d, want 200", code)
	}
}

func TestGateway_RateLimit(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	base := serve(t, newTestGateway(Config{}, newFakeEngine(), rl))

	if code, _ := do(t, http.MethodGet, base+"/v1/assessments", "", ""); code != http.StatusOK {
		t.Fatalf("first call = %d", code)
	}
	if code, _ := do(t, http.MethodGet, base+"/v1/assessments", "", ""); code != http.StatusTooManyRequests {
		t.Errorf("second call = %d, want 429", code)
	}
}

// --- Assessments ---

func TestGateway_AssessmentLifecycle(t *testing.T) {
	engine := newFakeEngine()
	base := serve(t, newTestGateway(Config{}, engine, nil))

	code, body := do(t, http.MethodPost, base+"/v1/assessments", "",
		`{"scope":["10.0.0.5"],"objectives":["network-recon"],"max_tasks":5,"max_duration":"10m"}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", code, body)
	}
	var submitted SubmitResponse
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	id, err := uuid.Parse(submitted.ID)
	if err != nil {
		t.Fatalf("submit id %q: %v", submitted.ID, err)
	}
	if submitted.CorrelationID == "" {
		t.Error("expected a correlation id")
	}
	s, _ := engine.Status(id)
	if s.Request.Budget.MaxTasks != 5 || s.Request.Budget.MaxDuration != 10*time.Minute {
		t.Errorf("budget = %+v", s.Request.Budget)
	}

	code, body = do(t, http.MethodGet, base+"/v1/assessments/"+id.String(), "", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var summary supervisor.Summary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if summary.ID != id || summary.Status != domain.SessionExecuting {
		t.Errorf("summary = %+v", summary)
	}

	code, body = do(t, http.MethodGet, base+"/v1/assessments/"+id.String()+"/findings", "", "")
	if code != http.StatusOK {
		t.Fatalf("findings = %d", code)
	}
	var fs domain.FindingSet
	if err := json.Unmarshal(body, &fs); err != nil {
		t.Fatalf("decode findings: %v", err)
	}
	if fs.AssessmentID != id {
		t.Errorf("findings for %s, want %s", fs.AssessmentID, id)
	}

	if code, _ := do(t, http.MethodPost, base+"/v1/assessments/"+id.String()+"/cancel", "", ""); code != http.StatusAccepted {
		t.Errorf("cancel = %d", code)
	}
	if len(engine.cancelled) != 1 || engine.cancelled[0] != id {
		t.Errorf("cancelled = %v", engine.cancelled)
	}

	code, body = do(t, http.MethodGet, base+"/v1/assessments", "", "")
	if code != http.StatusOK || !strings.Contains(string(body), id.String()) {
		t.Errorf("list = %d: %s", code, body)
	}
}

func TestGateway_AssessmentErrors(t *testing.T) {
	engine := newFakeEngine()
	base := serve(t, newTestGateway(Config{}, engine, nil))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty scope", http.MethodPost, "/v1/assessments", `{"scope":[],"objectives":["recon"]}`, http.StatusBadRequest},
		{"unknown objective", http.MethodPost, "/v1/assessments", `{"scope":["h"],"objectives":["tarot-reading"]}`, http.StatusBadRequest},
		{"bad duration", http.MethodPost, "/v1/assessments", `{"scope":["h"],"objectives":["recon"],"max_duration":"soon"}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/v1/assessments/not-a-uuid", "", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/v1/assessments/" + uuid.NewString(), "", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/v1/assessments/" + uuid.NewString() + "/cancel", "", http.StatusNotFound},
		{"events unknown", http.MethodGet, "/v1/assessments/" + uuid.NewString() + "/events", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := do(t, tt.method, base+tt.path, "", tt.body); code != tt.want {
				t.Errorf("code = %d, want %d: %s", code, tt.want, body)
			}
		})
	}

	engine.full = true
	if code, _ := do(t, http.MethodPost, base+"/v1/assessments", "", `{"scope":["h"],"objectives":["recon"]}`); code != http.StatusServiceUnavailable {
		t.Errorf("at capacity = %d, want 503", code)
	}
}

func TestGateway_EventStream(t *testing.T) {
	engine := newFakeEngine()
	id, err := engine.Submit(context.Background(), domain.AssessmentRequest{Scope: []string{"h"}, Objectives: []string{"recon"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := domain.Task{ID: uuid.New(), AssessmentID: id, Domain: "network", State: domain.TaskRunning}
	engine.events = []supervisor.Event{
		{Type: supervisor.EventTask, AssessmentID: id, Task: &task, Time: time.Now()},
		{Type: supervisor.EventStatus, AssessmentID: id, Status: domain.SessionCompleted, Time: time.Now()},
	}
	base := serve(t, newTestGateway(Config{}, engine, nil))

	code, body := do(t, http.MethodGet, base+"/v1/assessments/"+id.String()+"/events", "", "")
	if code != http.StatusOK {
		t.Fatalf("events = %d", code)
	}
	stream := string(body)
	for _, name := range []string{"snapshot", "task", "status", "done"} {
		if !strings.Contains(stream, name) {
			t.Errorf("stream missing %q event:\n%s", name, stream)
		}
	}
	if strings.Index(stream, "snapshot") > strings.LastIndex(stream, "done") {
		t.Error("snapshot must precede done")
	}
}

// --- Registry, learning and history ---

func TestGateway_Views(t *testing.T) {
	history := &fakeHistory{}
	g := newTestGateway(Config{}, newFakeEngine(), nil).
		WithCapabilities(staticCatalog(capability.Builtins())).
		WithLearning(staticLearning{{Key: learning.Key{Domain: "network", ToolID: "nmap_scan", TargetState: "host"}, Invocations: 2, Effectiveness: 0.6}}).
		WithHistory(history)
	base := serve(t, g)

	code, body := do(t, http.MethodGet, base+"/v1/capabilities", "", "")
	if code != http.StatusOK {
		t.Fatalf("capabilities = %d", code)
	}
	var descs []capability.Descriptor
	if err := json.Unmarshal(body, &descs); err != nil {
		t.Fatalf("decode capabilities: %v", err)
	}
	if len(descs) != len(capability.Builtins()) {
		t.Errorf("capabilities = %d, want %d", len(descs), len(capability.Builtins()))
	}

	code, body = do(t, http.MethodGet, base+"/v1/learning", "", "")
	if code != http.StatusOK || !strings.Contains(string(body), "nmap_scan") {
		t.Errorf("learning = %d: %s", code, body)
	}

	code, body = do(t, http.MethodGet, base+"/v1/history?target=10.0.0.5&limit=5", "", "")
	if code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	if history.target != "10.0.0.5" || history.limit != 5 {
		t.Errorf("history query = (%q, %d)", history.target, history.limit)
	}
	if !strings.Contains(string(body), "10.0.0.5") {
		t.Errorf("history body = %s", body)
	}

	code, body = do(t, http.MethodGet, base+"/v1/history", "", "")
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty history = %d: %s", code, body)
	}
	if history.limit != storage.DefaultHistoryLimit {
		t.Errorf("default limit = %d", history.limit)
	}

	if code, _ := do(t, http.MethodGet, base+"/v1/history?limit=0", "", ""); code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", code)
	}
}

func TestGateway_ViewsNotConfigured(t *testing.T) {
	base := serve(t, newTestGateway(Config{}, newFakeEngine(), nil))
	for _, path := range []string{"/v1/capabilities", "/v1/learning", "/v1/history"} {
		if code, _ := do(t, http.MethodGet, base+path, "", ""); code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, code)
		}
	}
}

func TestGateway_ExtraHandler(t *testing.T) {
	g := newTestGateway(Config{}, newFakeEngine(), nil).
		WithHandler("/ws/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
	base := serve(t, g)
	if code, _ := do(t, http.MethodGet, base+"/ws/ping", "", ""); code != http.StatusTeapot {
		t.Errorf("extra handler = %d", code)
	}
}

// --- Helpers (pure) ---

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: scope empty", supervisor.ErrInvalidRequest), http.StatusBadRequest},
		{&supervisor.UnknownObjectiveError{Tag: "tarot-reading"}, http.StatusBadRequest},
		{fmt.Errorf("%w: x", supervisor.ErrSessionNotFound), http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{supervisor.ErrTooManySessions, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	if n, err := parseLimit(""); err != nil || n != storage.DefaultHistoryLimit {
		t.Errorf("empty = (%d, %v)", n, err)
	}
	if n, err := parseLimit("20"); err != nil || n != 20 {
		t.Errorf("20 = (%d, %v)", n, err)
	}
	for _, raw := range []string{"-1", "0", "abc", "100000"} {
		if _, err := parseLimit(raw); err == nil {
			t.Errorf("parseLimit(%q) should fail", raw)
		}
	}
}

func TestMatchAPIKey(t *testing.T) {
	keys := map[string]string{"k1": "alice", "k2": "bob"}
	if got := matchAPIKey(keys, "Bearer k2"); got != "bob" {
		t.Errorf("k2 -> %q", got)
	}
	for _, h := range []string{"", "k1", "Basic k1", "Bearer k3", "Bearer "} {
		if got := matchAPIKey(keys, h); got != "" {
			t.Errorf("matchAPIKey(%q) = %q, want empty", h, got)
		}
	}
}

func TestSubmitRequest_ToDomain(t *testing.T) {
	id := uuid.New()
	req, err := SubmitRequest{ID: id.String(), Scope: []string{"h"}, Objectives: []string{"recon"}, MaxDuration: "90s"}.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if req.ID != id || req.Budget.MaxDuration != 90*time.Second {
		t.Errorf("req = %+v", req)
	}
	if _, err := (SubmitRequest{ID: "nope"}).toDomain(); err == nil {
		t.Error("expected error for invalid id")
	}
}
