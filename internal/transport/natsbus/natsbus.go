// Package natsbus carries worker assignments over NATS request/reply so
// worker pools can run in separate processes. The supervisor side publishes
// each attempt on <prefix>.<domain>; workers answer from a queue group.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/kaliagents/internal/worker"
)

// Requester sends a request and waits for one reply. *nats.Conn implements it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Subject returns the subject serving domainTag.
func Subject(prefix, domainTag string) string {
	return prefix + "." + domainTag
}

// DispatcherConfig configures a remote dispatcher.
type DispatcherConfig struct {
	Prefix         string
	Domain         string
	MaxInFlight    int           // Concurrent outstanding requests. Default: 8.
	RequestTimeout time.Duration // Upper bound per attempt. Default: 15m.
}

// Dispatcher implements worker.Dispatcher for one domain by sending each
// assignment as a NATS request.
type Dispatcher struct {
	conn    Requester
	subject string
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher creates a dispatcher over conn.
func NewDispatcher(conn Requester, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Minute
	}
	return &Dispatcher{
		conn:    conn,
		subject: Subject(cfg.Prefix, cfg.Domain),
		timeout: cfg.RequestTimeout,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// Dispatch blocks while MaxInFlight requests are outstanding. The reply is
// delivered on a.Reply from a separate goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, a worker.Assignment) error {
	select {
	case <-d.closed:
		return worker.ErrPoolClosed
	default:
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		a.Reply <- d.request(a)
	}()
	return nil
}

func (d *Dispatcher) request(a worker.Assignment) worker.Result {
	actx := a.Ctx
	if actx == nil {
		actx = context.Background()
	}
	res := worker.Result{TaskID: a.Task.ID, Attempt: a.Task.Attempts}
	ctx, cancel := context.WithTimeout(actx, d.timeout)
	defer cancel()

	body, err := json.Marshal(newTaskEnvelope(ctx, a.Task))
	if err != nil {
		res.Err = &worker.TaskError{ToolID: a.Task.ToolID, Err: fmt.Errorf("encoding task: %w", err)}
		return res
	}

	msg, err := d.conn.RequestWithContext(ctx, d.subject, body)
	if err != nil {
		res.Err = d.requestError(actx, a, err)
		return res
	}

	var env resultEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		res.Err = &worker.TaskError{ToolID: a.Task.ToolID, Err: fmt.Errorf("decoding reply: %w", err)}
		return res
	}
	out := env.decode()
	// Identify the result by the attempt that was sent.
	out.TaskID, out.Attempt = res.TaskID, res.Attempt
	return out
}

func (d *Dispatcher) requestError(actx context.Context, a worker.Assignment, err error) error {
	if actx.Err() != nil {
		return &worker.TaskError{ToolID: a.Task.ToolID, Err: fmt.Errorf("%w: %v", worker.ErrCancelled, err)}
	}
	d.logger.Warn("remote dispatch failed",
		slog.String("subject", d.subject),
		slog.String("task_id", a.Task.ID.String()),
		slog.String("error", err.Error()),
	)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return &worker.TaskError{ToolID: a.Task.ToolID, Retryable: true, Err: fmt.Errorf("%w: no workers for %s", worker.ErrToolUnavailable, d.subject)}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return &worker.TaskError{ToolID: a.Task.ToolID, Retryable: true, Err: fmt.Errorf("%w: %v", worker.ErrToolTimeout, err)}
	default:
		return &worker.TaskError{ToolID: a.Task.ToolID, Retryable: true, Err: fmt.Errorf("%w: %v", worker.ErrToolUnavailable, err)}
	}
}

// Close stops accepting assignments and waits for outstanding requests.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}
