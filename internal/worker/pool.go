package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// Assignment asks a worker to run one attempt of a task. Ctx scopes the
// attempt; cancelling it cancels the tool invocation. Exactly one Result is
// sent on Reply for every accepted assignment, so Reply must be drained
// until all in-flight assignments have reported.
type Assignment struct {
	Ctx   context.Context
	Task  domain.Task
	Reply chan<- Result
}

// Result reports the outcome of an assignment.
type Result struct {
	TaskID    uuid.UUID
	Attempt   int
	Execution Execution
	Err       error
}

// Dispatcher accepts assignments. Dispatch blocks while the receiving
// queue is full and returns ctx's error if ctx ends first.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Assignment) error
}

// Pool runs a fixed number of goroutines consuming assignments for one
// domain from a bounded queue.
type Pool struct {
	domain   string
	executor Executor
	size     int
	queue    chan Assignment
	metrics  *Metrics
	logger   *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
	// sending is held shared by Dispatch for the whole enqueue; Close takes
	// it exclusively before draining so no send lands after the drain.
	sending sync.RWMutex
}

// NewPool creates a pool of size workers with a queue of queueLen pending
// assignments. Call Start before dispatching.
func NewPool(domainTag string, executor Executor, size, queueLen int, metrics *Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if size <= 0 {
		size = 1
	}
	if queueLen < 0 {
		queueLen = 0
	}
	return &Pool{
		domain:   domainTag,
		executor: executor,
		size:     size,
		queue:    make(chan Assignment, queueLen),
		metrics:  metrics,
		logger:   logger.With(slog.String("domain", domainTag)),
		closed:   make(chan struct{}),
	}
}

// Domain returns the pool's domain.
func (p *Pool) Domain() string { return p.domain }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.loop(i)
		}
		p.logger.Info("worker pool started", slog.Int("workers", p.size), slog.Int("queue", cap(p.queue)))
	})
}

// Dispatch enqueues a, blocking while the queue is full.
func (p *Pool) Dispatch(ctx context.Context, a Assignment) error {
	p.sending.RLock()
	defer p.sending.RUnlock()
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}
	select {
	case p.queue <- a:
		if p.metrics != nil {
			p.metrics.QueueDepth.WithLabelValues(p.domain).Set(float64(len(p.queue)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolClosed
	}
}

// Close stops the workers after their current assignment. Assignments left
// in the queue are answered with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		// Blocked senders observe closed and return; later ones see it
		// before enqueueing.
		p.sending.Lock()
		defer p.sending.Unlock()
		for {
			select {
			case a := <-p.queue:
				a.Reply <- Result{TaskID: a.Task.ID, Attempt: a.Task.Attempts, Err: &TaskError{ToolID: a.Task.ToolID, Retryable: false, Err: ErrPoolClosed}}
			default:
				p.logger.Info("worker pool stopped")
				return
			}
		}
	})
}

func (p *Pool) loop(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case a := <-p.queue:
			if p.metrics != nil {
				p.metrics.QueueDepth.WithLabelValues(p.domain).Set(float64(len(p.queue)))
			}
			p.run(n, a)
		}
	}
}

func (p *Pool) run(n int, a Assignment) {
	ctx := a.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	res := Result{TaskID: a.Task.ID, Attempt: a.Task.Attempts}

	// Assignment cancelled while queued: report without invoking.
	if ctx.Err() != nil {
		res.Err = &TaskError{ToolID: a.Task.ToolID, Retryable: false, Err: ErrCancelled}
		a.Reply <- res
		return
	}

	if p.metrics != nil {
		p.metrics.Busy.WithLabelValues(p.domain).Inc()
		defer p.metrics.Busy.WithLabelValues(p.domain).Dec()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				slog.Int("worker", n),
				slog.String("task_id", a.Task.ID.String()),
				slog.Any("panic", r),
			)
			res.Err = &TaskError{ToolID: a.Task.ToolID, Retryable: false, Err: fmt.Errorf("worker panic: %v", r)}
			a.Reply <- res
		}
	}()

	res.Execution, res.Err = p.executor.Execute(ctx, a.Task)
	a.Reply <- res
}

// Group routes assignments to a dispatcher per domain.
type Group struct {
	mu    sync.RWMutex
	pools map[string]Dispatcher
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{pools: make(map[string]Dispatcher)}
}

// Add registers the dispatcher for domainTag, replacing any previous one.
func (g *Group) Add(domainTag string, d Dispatcher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pools[domainTag] = d
}

// Has reports whether a dispatcher serves domainTag.
func (g *Group) Has(domainTag string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.pools[domainTag]
	return ok
}

// Domains returns the served domains, sorted.
func (g *Group) Domains() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.pools))
	for d := range g.pools {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes a by the task's domain.
func (g *Group) Dispatch(ctx context.Context, a Assignment) error {
	g.mu.RLock()
	d, ok := g.pools[a.Task.Domain]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNoDispatcher, a.Task.Domain)
	}
	return d.Dispatch(ctx, a)
}

// Close closes every member that has a Close method.
func (g *Group) Close() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, d := range g.pools {
		if c, ok := d.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
