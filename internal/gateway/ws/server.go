// Package ws streams assessment events to WebSocket clients. A client
// connects to /ws/assessments/{id}, receives a snapshot of the session and
// then every event until the session finishes.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/supervisor"
)

// Subprotocol is negotiated when the client offers it.
const Subprotocol = "kaliagents-events-v1"

// Message types besides the session event types.
const (
	MsgSnapshot = "snapshot"
	MsgPing     = "ping"
	MsgDone     = "done"
)

// Message is one frame sent to the client.
type Message struct {
	Type    string              `json:"type"`
	Summary *supervisor.Summary `json:"summary,omitempty"` // snapshot and done.
	Event   *supervisor.Event   `json:"event,omitempty"`
	Time    time.Time           `json:"time"`
}

// Streams is the engine view the server needs.
type Streams interface {
	Status(id uuid.UUID) (supervisor.Summary, error)
	Subscribe(id uuid.UUID) (<-chan supervisor.Event, func(), error)
}

// Config configures the stream server.
type Config struct {
	APIKeys      map[string]string // API key -> caller id. Empty = no authentication.
	PathPrefix   string            // Default: "/ws/assessments/".
	PingInterval time.Duration     // Default: 30s.
}

func (c Config) prefix() string {
	if c.PathPrefix != "" {
		return c.PathPrefix
	}
	return "/ws/assessments/"
}

func (c Config) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return 30 * time.Second
}

// Server upgrades requests and streams session events.
type Server struct {
	streams Streams
	cfg     Config
	logger  *slog.Logger
}

// NewServer creates a stream server over streams.
func NewServer(streams Streams, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{streams: streams, cfg: cfg, logger: logger}
}

// Pattern returns the route pattern to mount Handler on.
func (s *Server) Pattern() string {
	return s.cfg.prefix() + "{id}"
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(strings.Trim(strings.TrimPrefix(r.URL.Path, s.cfg.prefix()), "/"))
	if err != nil {
		http.Error(w, "invalid assessment id", http.StatusBadRequest)
		return
	}
	// Subscribe before the snapshot so no event between the two is lost.
	events, unsubscribe, err := s.streams.Subscribe(id)
	if err != nil {
		if errors.Is(err, supervisor.ErrSessionNotFound) {
			http.Error(w, "assessment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.logger.Debug("event stream opened",
		slog.String("assessment_id", id.String()),
		slog.String("caller", caller),
	)
	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, id, events); err != nil {
		s.logger.Debug("event stream ended",
			slog.String("assessment_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, id uuid.UUID, events <-chan supervisor.Event) error {
	summary, err := s.streams.Status(id)
	if err != nil {
		return err
	}
	if err := s.write(ctx, conn, Message{Type: MsgSnapshot, Summary: &summary}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				final, err := s.streams.Status(id)
				if err != nil {
					final = summary
				}
				return s.write(ctx, conn, Message{Type: MsgDone, Summary: &final})
			}
			if err := s.write(ctx, conn, Message{Type: string(ev.Type), Event: &ev}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.write(ctx, conn, Message{Type: MsgPing}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// authorize accepts the key from the token query parameter or a Bearer
// Authorization header.
func (s *Server) authorize(r *http.Request) (string, bool) {
	if len(s.cfg.APIKeys) == 0 {
		return "anonymous", true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	caller := ""
	for key, id := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			caller = id
		}
	}
	return caller, caller != ""
}
