package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jkaninda/kaliagents/internal/worker"
)

// Server answers assignment requests from a queue group and runs them on
// local pools.
type Server struct {
	conn    *nats.Conn
	prefix  string
	queue   string
	pools   worker.Dispatcher
	maxWait time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewServer creates a server routing requests to pools. maxWait bounds
// attempts whose request carried no deadline.
func NewServer(conn *nats.Conn, prefix, queue string, pools worker.Dispatcher, maxWait time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conn:    conn,
		prefix:  prefix,
		queue:   queue,
		pools:   pools,
		maxWait: maxWait,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve subscribes to the subject of every domain.
func (s *Server) Serve(domains ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range domains {
		subject := Subject(s.prefix, d)
		sub, err := s.conn.QueueSubscribe(subject, s.queue, func(msg *nats.Msg) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := msg.Respond(s.handle(s.ctx, msg.Data)); err != nil {
					s.logger.Error("responding to assignment failed",
						slog.String("subject", msg.Subject),
						slog.String("error", err.Error()),
					)
				}
			}()
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("serving remote assignments",
			slog.String("subject", subject),
			slog.String("queue", s.queue),
		)
	}
	return nil
}

// handle runs one request and returns the encoded reply.
func (s *Server) handle(ctx context.Context, data []byte) []byte {
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return mustMarshal(resultEnvelope{Error: fmt.Sprintf("decoding task: %v", err), ErrorKind: kindTerminal})
	}
	wait := s.maxWait
	if env.DeadlineMS > 0 {
		wait = min(wait, time.Duration(env.DeadlineMS)*time.Millisecond)
	}
	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	reply := make(chan worker.Result, 1)
	a := worker.Assignment{Ctx: actx, Task: env.Task, Reply: reply}
	if err := s.pools.Dispatch(actx, a); err != nil {
		res := worker.Result{
			TaskID:  env.Task.ID,
			Attempt: env.Task.Attempts,
			Err:     &worker.TaskError{ToolID: env.Task.ToolID, Retryable: true, Err: fmt.Errorf("%w: %v", worker.ErrToolUnavailable, err)},
		}
		return mustMarshal(encodeResult(res, env.Task.ToolID))
	}
	res := <-reply
	s.logger.Debug("remote assignment finished",
		slog.String("task_id", env.Task.ID.String()),
		slog.String("tool", env.Task.ToolID),
		slog.Bool("ok", res.Err == nil),
	)
	return mustMarshal(encodeResult(res, env.Task.ToolID))
}

func mustMarshal(env resultEnvelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		b, _ = json.Marshal(resultEnvelope{TaskID: env.TaskID, Attempt: env.Attempt, Error: err.Error(), ErrorKind: kindTerminal})
	}
	return b
}

// Close drains the subscriptions, cancels running assignments and waits for
// their replies.
func (s *Server) Close() {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
