package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// ReportSink stores finished FindingSets.
type ReportSink interface {
	SaveReport(ctx context.Context, fs *domain.FindingSet) error
}

// EngineConfig configures the engine. Zero values use the defaults noted.
type EngineConfig struct {
	MaxSessions int           // Concurrently running sessions. Default: 16.
	SessionTTL  time.Duration // How long finished sessions stay queryable. Default: 1h.
}

func (c EngineConfig) maxSessions() int {
	if c.MaxSessions > 0 {
		return c.MaxSessions
	}
	return 16
}

func (c EngineConfig) sessionTTL() time.Duration {
	if c.SessionTTL > 0 {
		return c.SessionTTL
	}
	return time.Hour
}

// Summary is the pull view of a session.
type Summary struct {
	ID          uuid.UUID                `json:"id"`
	Status      domain.SessionStatus     `json:"status"`
	Request     domain.AssessmentRequest `json:"request"`
	Tasks       map[domain.TaskState]int `json:"tasks"`
	Findings    int                      `json:"findings"`
	AbortReason string                   `json:"abort_reason,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
}

// subscriberBuffer is the event buffer of each subscription. Events beyond
// it are dropped for that subscriber.
const subscriberBuffer = 64

type tracked struct {
	mu       sync.Mutex
	req      domain.AssessmentRequest
	status   domain.SessionStatus
	started  time.Time
	tasks    map[uuid.UUID]domain.Task
	order    []uuid.UUID
	findings []domain.Finding
	result   *domain.FindingSet
	subs     map[chan Event]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func (t *tracked) observe(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case EventStatus:
		t.status = ev.Status
	case EventTask:
		if _, seen := t.tasks[ev.Task.ID]; !seen {
			t.order = append(t.order, ev.Task.ID)
		}
		t.tasks[ev.Task.ID] = *ev.Task
	case EventFinding:
		t.findings = append(t.findings, *ev.Finding)
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *tracked) finish(fs *domain.FindingSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = fs
	t.status = fs.Status
	for ch := range t.subs {
		close(ch)
	}
	t.subs = nil
	close(t.done)
}

// snapshot returns the final FindingSet, or the partial one while running.
func (t *tracked) snapshot() *domain.FindingSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return t.result
	}
	fs := &domain.FindingSet{
		AssessmentID: t.req.ID,
		Request:      t.req,
		Status:       t.status,
		Findings:     append([]domain.Finding(nil), t.findings...),
		StartedAt:    t.started,
	}
	for _, id := range t.order {
		fs.Tasks = append(fs.Tasks, domain.TaskReport{Task: t.tasks[id]})
	}
	fs.Sort()
	return fs
}

func (t *tracked) summary() Summary {
	fs := t.snapshot()
	s := Summary{
		ID:          fs.AssessmentID,
		Status:      fs.Status,
		Request:     fs.Request,
		Tasks:       fs.CountByState(),
		Findings:    len(fs.Findings),
		AbortReason: fs.AbortReason,
		StartedAt:   fs.StartedAt,
	}
	if !fs.FinishedAt.IsZero() {
		at := fs.FinishedAt
		s.FinishedAt = &at
	}
	return s
}

// Engine runs sessions in the background for asynchronous submission.
// Running sessions are tracked in memory; finished ones stay in a TTL cache.
type Engine struct {
	sup    *Supervisor
	sink   ReportSink
	config EngineConfig
	logger *slog.Logger

	mu       sync.Mutex
	running  map[uuid.UUID]*tracked
	finished *gocache.Cache
	wg       sync.WaitGroup
}

// NewEngine creates an engine over sup. sink may be nil.
func NewEngine(sup *Supervisor, sink ReportSink, config EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ttl := config.sessionTTL()
	return &Engine{
		sup:      sup,
		sink:     sink,
		config:   config,
		logger:   logger,
		running:  make(map[uuid.UUID]*tracked),
		finished: gocache.New(ttl, ttl/2),
	}
}

// Supervisor returns the underlying supervisor.
func (e *Engine) Supervisor() *Supervisor { return e.sup }

// Submit accepts req and starts it. The session is detached from ctx's
// cancellation; use Cancel to stop it.
func (e *Engine) Submit(ctx context.Context, req domain.AssessmentRequest) (uuid.UUID, error) {
	req, err := e.sup.Accept(req)
	if err != nil {
		return uuid.Nil, err
	}

	e.mu.Lock()
	if len(e.running) >= e.config.maxSessions() {
		e.mu.Unlock()
		return uuid.Nil, ErrTooManySessions
	}
	if _, exists := e.running[req.ID]; exists {
		e.mu.Unlock()
		return uuid.Nil, fmt.Errorf("assessment %s already running", req.ID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &tracked{
		req:     req,
		status:  domain.SessionPlanning,
		started: e.sup.now(),
		tasks:   make(map[uuid.UUID]domain.Task),
		subs:    make(map[chan Event]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.running[req.ID] = t
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "assessment submitted",
		slog.String("assessment_id", req.ID.String()),
		slog.Any("scope", req.Scope),
		slog.Any("objectives", req.Objectives),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		fs, err := e.sup.Run(runCtx, req, WithObserver(t.observe))
		if fs == nil {
			fs = &domain.FindingSet{
				AssessmentID: req.ID,
				Request:      req,
				Status:       domain.SessionAborted,
				AbortReason:  err.Error(),
				StartedAt:    t.started,
				FinishedAt:   e.sup.now(),
			}
		}
		if e.sink != nil {
			if serr := e.sink.SaveReport(context.WithoutCancel(runCtx), fs); serr != nil {
				e.logger.Error("saving assessment report failed",
					slog.String("assessment_id", req.ID.String()),
					slog.String("error", serr.Error()),
				)
			}
		}
		t.finish(fs)
		e.finished.Set(req.ID.String(), t, gocache.DefaultExpiration)
		e.mu.Lock()
		delete(e.running, req.ID)
		e.mu.Unlock()
	}()
	return req.ID, nil
}

func (e *Engine) lookup(id uuid.UUID) (*tracked, error) {
	e.mu.Lock()
	t, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		return t, nil
	}
	if v, ok := e.finished.Get(id.String()); ok {
		return v.(*tracked), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Status returns the session summary.
func (e *Engine) Status(id uuid.UUID) (Summary, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	return t.summary(), nil
}

// Findings returns the final FindingSet, or a partial one while running.
func (e *Engine) Findings(id uuid.UUID) (*domain.FindingSet, error) {
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.snapshot(), nil
}

// Wait blocks until the session finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context, id uuid.UUID) (*domain.FindingSet, error) {
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	t.cancel()
	e.logger.InfoContext(ctx, "assessment cancellation requested", slog.String("assessment_id", id.String()))
	return nil
}

// Subscribe returns a channel of the session's subsequent events, closed
// when the session finishes, and a function ending the subscription. The
// channel of a finished session is already closed.
func (e *Engine) Subscribe(id uuid.UUID) (<-chan Event, func(), error) {
	t, err := e.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		close(ch)
		return ch, func() {}, nil
	}
	t.subs[ch] = struct{}{}
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[ch]; ok {
				delete(t.subs, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe, nil
}

// List returns the summaries of running and cached sessions, newest first.
func (e *Engine) List() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := make([]*tracked, 0, len(e.running))
	for _, t := range e.running {
		all = append(all, t)
	}
	for _, item := range e.finished.Items() {
		t := item.Object.(*tracked)
		if _, dup := e.running[t.req.ID]; !dup {
			all = append(all, t)
		}
	}
	out := make([]Summary, 0, len(all))
	for _, t := range all {
		out = append(out, t.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Running returns the number of running sessions.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Close cancels every running session and waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, t := range e.running {
		t.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
