// Package supervisor runs assessments. A session plans one task per
// (objective, scope entity), asks the selector for a tool and parameters on
// every attempt, hands attempts to worker pools as messages and folds the
// results back: findings are scored, learning records updated, retryable
// failures retried with exponential backoff and high-priority findings turned
// into follow-up tasks. The session loop is the only goroutine touching a
// session's tasks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// Selector picks the tool invocation for one task attempt.
type Selector interface {
	Select(ctx context.Context, domainTag, targetState, target string) (domain.ToolInvocation, error)
}

// Learner records attempt outcomes.
type Learner interface {
	RecordOutcome(ctx context.Context, key learning.Key, success bool, observed float64) (learning.Record, error)
}

// Adapter tunes the selector's exploration rate from a session's tool
// success rate. A Selector that also implements Adapter is adapted after
// every session that dispatched at least one tool.
type Adapter interface {
	Adapt(successRate float64) float64
}

// Scorer assigns a priority to a finding.
type Scorer interface {
	ScoreFinding(f domain.Finding) domain.Finding
}

// Supervisor coordinates assessments over a set of worker dispatchers.
type Supervisor struct {
	planner    *Planner
	selector   Selector
	learner    Learner
	scorer     Scorer
	dispatcher worker.Dispatcher
	config     Config
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a supervisor. A nil planner uses the built-in objective
// catalog.
func New(planner *Planner, sel Selector, learner Learner, scorer Scorer, dispatcher worker.Dispatcher, config Config, metrics *Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if planner == nil {
		planner = NewPlanner()
	}
	return &Supervisor{
		planner:    planner,
		selector:   sel,
		learner:    learner,
		scorer:     scorer,
		dispatcher: dispatcher,
		config:     config,
		metrics:    metrics,
		tracer:     noop.NewTracerProvider().Tracer(""),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTracer sets the tracer used for session and attempt spans.
func (s *Supervisor) WithTracer(t trace.Tracer) *Supervisor {
	if t != nil {
		s.tracer = t
	}
	return s
}

// Planner returns the objective planner.
func (s *Supervisor) Planner() *Planner { return s.planner }

// Accept validates req and returns the copy a session runs: an id and
// submission time are assigned if missing and default budgets applied.
// Objectives must resolve.
func (s *Supervisor) Accept(req domain.AssessmentRequest) (domain.AssessmentRequest, error) {
	req = req.Clone()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.now()
	}
	if req.Budget.MaxTasks == 0 {
		req.Budget.MaxTasks = s.config.DefaultBudget.MaxTasks
	}
	if req.Budget.MaxDuration == 0 {
		req.Budget.MaxDuration = s.config.DefaultBudget.MaxDuration
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for _, tag := range req.Objectives {
		if _, err := s.planner.Resolve(tag); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Run executes an assessment to completion and returns its FindingSet.
// Partial results are always returned once the session started. When the
// session aborts the error is the cause: a *BudgetExhaustedError or the
// context's error. An invalid request returns a nil FindingSet.
func (s *Supervisor) Run(ctx context.Context, req domain.AssessmentRequest, opts ...RunOption) (*domain.FindingSet, error) {
	req, err := s.Accept(req)
	if err != nil {
		return nil, err
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := s.tracer.Start(ctx, "assessment.run", trace.WithAttributes(
		attribute.String("assessment.id", req.ID.String()),
		attribute.StringSlice("assessment.objectives", req.Objectives),
		attribute.Int("assessment.scope", len(req.Scope)),
		attribute.Int("assessment.max_tasks", req.Budget.MaxTasks),
	))
	defer span.End()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}

	sess := newSession(s, req, o)
	fs, cause := sess.run(ctx)

	span.SetAttributes(
		attribute.String("assessment.status", string(fs.Status)),
		attribute.Int("assessment.tasks", len(fs.Tasks)),
		attribute.Int("assessment.findings", len(fs.Findings)),
	)
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(string(fs.Status)).Inc()
		s.metrics.SessionDuration.WithLabelValues(string(fs.Status)).Observe(fs.FinishedAt.Sub(fs.StartedAt).Seconds())
	}
	return fs, cause
}

// backoff returns the delay before retrying after attempt n.
func (s *Supervisor) backoff(n int) time.Duration {
	d := s.config.Backoff(n)
	if s.config.Jitter && d > 1 {
		half := d / 2
		d = half + rand.N(half)
	}
	return d
}

// session is the state of one Run. Fields are owned by the loop goroutine.
type session struct {
	sup    *Supervisor
	req    domain.AssessmentRequest
	opts   runOptions
	logger *slog.Logger

	status   domain.SessionStatus
	started  time.Time
	tasks    []*domain.Task
	byID     map[uuid.UUID]*domain.Task
	counts   map[uuid.UUID]int
	spans    map[uuid.UUID]trace.Span
	planned  map[string]bool
	notRun   map[uuid.UUID]bool // Last attempt never reached a worker.
	findings []domain.Finding
	queue    []*domain.Task
	admitted int

	// inflight counts dispatched attempts and pending backoff timers; each
	// reports exactly once on results or wakes.
	inflight int
	results  chan worker.Result
	wakes    chan uuid.UUID

	cancelled bool
	ctxErr    error
	expired   bool
	budgetErr *BudgetExhaustedError
}

func newSession(s *Supervisor, req domain.AssessmentRequest, o runOptions) *session {
	return &session{
		sup:     s,
		req:     req,
		opts:    o,
		logger:  s.logger.With(slog.String("assessment_id", req.ID.String())),
		byID:    make(map[uuid.UUID]*domain.Task),
		counts:  make(map[uuid.UUID]int),
		spans:   make(map[uuid.UUID]trace.Span),
		planned: make(map[string]bool),
		notRun:  make(map[uuid.UUID]bool),
		results: make(chan worker.Result, 16),
		wakes:   make(chan uuid.UUID, 16),
	}
}

// stopped reports whether no further attempts may be dispatched.
func (ss *session) stopped() bool { return ss.cancelled || ss.expired }

func (ss *session) run(ctx context.Context) (*domain.FindingSet, error) {
	ss.started = ss.sup.now()
	ss.setStatus(ctx, domain.SessionPlanning, "")

	initial, err := ss.sup.planner.Plan(ss.req, ss.sup.config.maxAttempts(), ss.started)
	if err != nil {
		// Accept resolved every objective already.
		return ss.finish(ctx, fmt.Errorf("planning: %w", err))
	}
	ss.admit(ctx, initial)
	ss.logger.InfoContext(ctx, "assessment started",
		slog.Any("scope", ss.req.Scope),
		slog.Any("objectives", ss.req.Objectives),
		slog.Int("planned_tasks", len(initial)),
		slog.Int("max_tasks", ss.req.Budget.MaxTasks),
		slog.Duration("max_duration", ss.req.Budget.MaxDuration),
	)
	ss.setStatus(ctx, domain.SessionExecuting, "")

	var deadline <-chan time.Time
	if d := ss.req.Budget.MaxDuration; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}
	done := ctx.Done()

	for {
		if !ss.stopped() {
			for len(ss.queue) > 0 {
				t := ss.queue[0]
				ss.queue = ss.queue[1:]
				ss.dispatch(ctx, t)
			}
		}
		if ss.inflight == 0 && (len(ss.queue) == 0 || ss.stopped()) {
			break
		}
		select {
		case res := <-ss.results:
			ss.inflight--
			ss.handleResult(ctx, res)
		case id := <-ss.wakes:
			ss.inflight--
			ss.handleWake(ctx, id)
		case <-deadline:
			deadline = nil
			ss.exhaust("duration", ss.req.Budget.MaxDuration.String())
			ss.expired = true
			ss.logger.WarnContext(ctx, "assessment time budget exhausted", slog.Int("in_flight", ss.inflight))
		case <-done:
			done = nil
			ss.cancelled = true
			ss.ctxErr = ctx.Err()
			ss.logger.WarnContext(ctx, "assessment cancelled", slog.Int("in_flight", ss.inflight))
		}
	}

	for _, t := range ss.queue {
		reason := "not dispatched: assessment cancelled"
		if !ss.cancelled {
			reason = "not dispatched: budget exhausted"
			ss.budgetErr.Dropped++
		}
		ss.cancelTask(ctx, t, reason)
	}
	ss.queue = nil

	var cause error
	switch {
	case ss.cancelled:
		cause = fmt.Errorf("assessment cancelled: %w", ss.ctxErr)
	case ss.budgetErr != nil:
		cause = ss.budgetErr
	}
	return ss.finish(ctx, cause)
}

func (ss *session) finish(ctx context.Context, cause error) (*domain.FindingSet, error) {
	fs := &domain.FindingSet{
		AssessmentID: ss.req.ID,
		Request:      ss.req,
		Status:       domain.SessionCompleted,
		Findings:     ss.findings,
		StartedAt:    ss.started,
		FinishedAt:   ss.sup.now(),
	}
	if cause != nil {
		fs.Status = domain.SessionAborted
		fs.AbortReason = cause.Error()
	}
	for _, t := range ss.tasks {
		fs.Tasks = append(fs.Tasks, domain.TaskReport{Task: t.Clone(), Findings: ss.counts[t.ID]})
	}
	fs.Sort()
	ss.setStatus(ctx, fs.Status, fs.AbortReason)

	counts := fs.CountByState()
	ss.logger.InfoContext(ctx, "assessment finished",
		slog.String("status", string(fs.Status)),
		slog.String("reason", fs.AbortReason),
		slog.Int("tasks", len(fs.Tasks)),
		slog.Int("succeeded", counts[domain.TaskSucceeded]),
		slog.Int("failed", counts[domain.TaskFailed]),
		slog.Int("cancelled", counts[domain.TaskCancelled]),
		slog.Int("findings", len(fs.Findings)),
		slog.Duration("elapsed", fs.FinishedAt.Sub(fs.StartedAt)),
	)
	ss.adapt(ctx, fs)
	return fs, cause
}

// adapt feeds the share of tool-backed tasks that succeeded to the selector.
// Cancelled sessions and tasks that never reached a tool are left out.
func (ss *session) adapt(ctx context.Context, fs *domain.FindingSet) {
	a, ok := ss.sup.selector.(Adapter)
	if !ok || ss.cancelled {
		return
	}
	var succeeded, decided int
	for _, r := range fs.Tasks {
		t := r.Task
		if t.ToolID == "" || ss.notRun[t.ID] {
			continue
		}
		switch t.State {
		case domain.TaskSucceeded:
			succeeded++
			decided++
		case domain.TaskFailed:
			decided++
		}
	}
	if decided == 0 {
		return
	}
	rate := float64(succeeded) / float64(decided)
	epsilon := a.Adapt(rate)
	ss.logger.DebugContext(ctx, "exploration rate adapted",
		slog.Float64("success_rate", rate),
		slog.Float64("epsilon", epsilon),
	)
}

// admit adds planned tasks to the session within the task budget. Tasks
// over budget are recorded as cancelled and the budget marked exhausted.
// Returns how many were admitted.
func (ss *session) admit(ctx context.Context, tasks []*domain.Task) int {
	n := 0
	for _, t := range tasks {
		key := t.Objective + "|" + t.Target
		if ss.planned[key] || ss.cancelled {
			continue
		}
		ss.planned[key] = true
		ss.tasks = append(ss.tasks, t)
		ss.byID[t.ID] = t

		if limit := ss.req.Budget.MaxTasks; limit > 0 && ss.admitted >= limit {
			ss.exhaust("tasks", fmt.Sprint(limit))
			ss.budgetErr.Dropped++
			ss.cancelTask(ctx, t, "not dispatched: budget exhausted")
			continue
		}
		if ss.expired {
			ss.budgetErr.Dropped++
			ss.cancelTask(ctx, t, "not dispatched: budget exhausted")
			continue
		}
		ss.admitted++
		ss.queue = append(ss.queue, t)
		ss.emitTask(ctx, t)
		n++
	}
	return n
}

func (ss *session) exhaust(resource, limit string) {
	if ss.budgetErr == nil {
		ss.budgetErr = &BudgetExhaustedError{Resource: resource, Limit: limit}
	}
}

// dispatch selects a tool for t's next attempt and hands it to the workers.
func (ss *session) dispatch(ctx context.Context, t *domain.Task) {
	now := ss.sup.now()
	inv, err := ss.sup.selector.Select(ctx, t.Domain, t.TargetState, t.Target)
	if err != nil {
		// Selection failures are terminal: record the attempt and stop.
		_ = t.Transition(domain.TaskRunning, now)
		_ = t.Transition(domain.TaskFailed, now)
		t.Finalize(now)
		t.Error = err.Error()
		ss.logger.WarnContext(ctx, "tool selection failed",
			slog.String("task_id", t.ID.String()),
			slog.String("domain", t.Domain),
			slog.String("error", err.Error()),
		)
		ss.taskDone(ctx, t)
		return
	}
	t.ToolID = inv.ToolID
	t.Params = inv.Params
	if err := t.Transition(domain.TaskRunning, now); err != nil {
		ss.logger.ErrorContext(ctx, "task transition rejected", slog.String("task_id", t.ID.String()), slog.String("error", err.Error()))
		return
	}
	ss.emitTask(ctx, t)

	actx, span := ss.sup.tracer.Start(ctx, "assessment.task", trace.WithAttributes(
		attribute.String("task.id", t.ID.String()),
		attribute.String("task.domain", t.Domain),
		attribute.String("task.objective", t.Objective),
		attribute.String("task.tool", t.ToolID),
		attribute.Int("task.attempt", t.Attempts),
		attribute.Bool("task.explored", inv.Explored),
	))
	ss.spans[t.ID] = span

	ss.logger.DebugContext(ctx, "task dispatched",
		slog.String("task_id", t.ID.String()),
		slog.String("tool", t.ToolID),
		slog.String("target", t.Target),
		slog.Int("attempt", t.Attempts),
		slog.Bool("explored", inv.Explored),
	)

	a := worker.Assignment{Ctx: actx, Task: t.Clone(), Reply: ss.results}
	ss.inflight++
	go func() {
		if err := ss.sup.dispatcher.Dispatch(actx, a); err != nil {
			if actx.Err() != nil {
				err = fmt.Errorf("%w: %v", worker.ErrCancelled, err)
			}
			ss.results <- worker.Result{TaskID: a.Task.ID, Attempt: a.Task.Attempts, Err: err}
		}
	}()
}

func (ss *session) handleResult(ctx context.Context, res worker.Result) {
	t, ok := ss.byID[res.TaskID]
	if !ok || t.State != domain.TaskRunning || res.Attempt != t.Attempts {
		ss.logger.WarnContext(ctx, "stale task result ignored", slog.String("task_id", res.TaskID.String()), slog.Int("attempt", res.Attempt))
		return
	}
	now := ss.sup.now()
	span := ss.spans[t.ID]
	delete(ss.spans, t.ID)
	if span != nil {
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.SetAttributes(attribute.Int("task.findings", len(res.Execution.Findings)))
		span.End()
	}

	switch {
	case res.Err == nil:
		ss.succeed(ctx, t, res.Execution, now)
	case errors.Is(res.Err, worker.ErrCancelled):
		// Cancelled attempts leave the learning record untouched.
		_ = t.Transition(domain.TaskCancelled, now)
		t.Error = res.Err.Error()
		ss.taskDone(ctx, t)
	default:
		ss.fail(ctx, t, res.Err, now)
	}
}

func (ss *session) succeed(ctx context.Context, t *domain.Task, exec worker.Execution, now time.Time) {
	var maxPriority float64
	for _, f := range exec.Findings {
		scored := ss.sup.scorer.ScoreFinding(f)
		maxPriority = max(maxPriority, scored.Priority)
		ss.findings = append(ss.findings, scored)
		ss.counts[t.ID]++
		if ss.sup.metrics != nil {
			ss.sup.metrics.FindingsTotal.WithLabelValues(string(scored.Band)).Inc()
		}
		ss.emit(ctx, Event{Type: EventFinding, Finding: &scored})
	}
	ss.learn(ctx, t, true, learning.Observe(true, maxPriority, exec.Elapsed, exec.Timeout))
	_ = t.Transition(domain.TaskSucceeded, now)
	ss.taskDone(ctx, t)

	if maxPriority >= ss.sup.config.replanThreshold() {
		ss.replan(ctx, t, maxPriority, now)
	}
}

func (ss *session) fail(ctx context.Context, t *domain.Task, err error, now time.Time) {
	if worker.NotDispatched(err) {
		ss.notRun[t.ID] = true
	} else {
		ss.learn(ctx, t, false, 0)
	}
	_ = t.Transition(domain.TaskFailed, now)
	t.Error = err.Error()
	if !worker.IsRetryable(err) || ss.stopped() {
		t.Finalize(now)
	}
	if t.Terminal() {
		ss.taskDone(ctx, t)
		return
	}

	_ = t.Transition(domain.TaskRetrying, now)
	ss.emitTask(ctx, t)
	delay := ss.sup.backoff(t.Attempts)
	if ss.sup.metrics != nil {
		ss.sup.metrics.RetriesTotal.WithLabelValues(t.Domain).Inc()
	}
	ss.logger.InfoContext(ctx, "task retry scheduled",
		slog.String("task_id", t.ID.String()),
		slog.String("tool", t.ToolID),
		slog.Int("attempt", t.Attempts),
		slog.Int("max_attempts", t.MaxAttempts),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)

	id := t.ID
	ss.inflight++
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		ss.wakes <- id
	}()
}

func (ss *session) handleWake(ctx context.Context, id uuid.UUID) {
	t, ok := ss.byID[id]
	if !ok || t.State != domain.TaskRetrying {
		return
	}
	if ss.stopped() {
		reason := "retry not dispatched: assessment cancelled"
		if !ss.cancelled {
			reason = "retry not dispatched: budget exhausted"
		}
		ss.cancelTask(ctx, t, reason+": last error: "+t.Error)
		return
	}
	ss.dispatch(ctx, t)
}

// replan schedules the follow-ups of t's objective for the same target.
func (ss *session) replan(ctx context.Context, t *domain.Task, priority float64, now time.Time) {
	if t.Depth >= ss.sup.config.maxDepth() || ss.stopped() {
		return
	}
	followUps := ss.sup.planner.FollowUps(t, ss.sup.config.maxAttempts(), now)
	if len(followUps) == 0 {
		return
	}
	ss.setStatus(ctx, domain.SessionReplanning, fmt.Sprintf("priority %.2f from task %s", priority, t.ID))
	n := ss.admit(ctx, followUps)
	if n > 0 {
		if ss.sup.metrics != nil {
			ss.sup.metrics.ReplansTotal.Inc()
		}
		ss.logger.InfoContext(ctx, "follow-up tasks planned",
			slog.String("parent_id", t.ID.String()),
			slog.String("objective", t.Objective),
			slog.Float64("priority", priority),
			slog.Int("tasks", n),
		)
	}
	ss.setStatus(ctx, domain.SessionExecuting, "")
}

func (ss *session) learn(ctx context.Context, t *domain.Task, success bool, observed float64) {
	if ss.sup.learner == nil || t.ToolID == "" {
		return
	}
	key := learning.Key{Domain: t.Domain, ToolID: t.ToolID, TargetState: t.TargetState}
	if _, err := ss.sup.learner.RecordOutcome(ctx, key, success, observed); err != nil {
		ss.logger.WarnContext(ctx, "recording learning outcome failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (ss *session) cancelTask(ctx context.Context, t *domain.Task, reason string) {
	if err := t.Transition(domain.TaskCancelled, ss.sup.now()); err != nil {
		return
	}
	t.Error = reason
	ss.taskDone(ctx, t)
}

// taskDone reports a task that reached a terminal state.
func (ss *session) taskDone(ctx context.Context, t *domain.Task) {
	if ss.sup.metrics != nil {
		ss.sup.metrics.TasksTotal.WithLabelValues(t.Domain, string(t.State)).Inc()
	}
	ss.emitTask(ctx, t)
}

func (ss *session) emitTask(ctx context.Context, t *domain.Task) {
	cp := t.Clone()
	ss.emit(ctx, Event{Type: EventTask, Task: &cp})
}

func (ss *session) setStatus(ctx context.Context, status domain.SessionStatus, reason string) {
	ss.status = status
	ss.emit(ctx, Event{Type: EventStatus, Status: status, Reason: reason})
}

func (ss *session) emit(ctx context.Context, ev Event) {
	ev.AssessmentID = ss.req.ID
	ev.Time = ss.sup.now()
	if ev.Status == "" {
		ev.Status = ss.status
	}
	if ss.opts.observer != nil {
		ss.opts.observer(ev)
	}
	if ss.opts.stream != nil {
		select {
		case ss.opts.stream <- ev:
		case <-ctx.Done():
		}
	}
}
