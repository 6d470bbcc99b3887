// Package mcp discovers assessment tools exposed by external MCP (Model
// Context Protocol) servers and registers them as capabilities. Each
// discovered tool gets a namespaced id "mcp__<server>__<tool>" and is
// invoked through the server's client connection.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/tools"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// ClientName is the implementation name sent in the initialize handshake.
const ClientName = "kaliagents"

// Version is reported to MCP servers during the handshake.
var Version = "dev"

// Server is one connected MCP server. It implements tools.Source.
type Server struct {
	name   string
	client mcpclient.MCPClient
	descs  []capability.Descriptor
	remote map[string]string // tool id -> name on the server
	logger *slog.Logger
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.name }

// Descriptors implements tools.Source.
func (s *Server) Descriptors() []capability.Descriptor {
	return slices.Clone(s.descs)
}

// Invoke implements worker.Invoker.
func (s *Server) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	name, ok := s.remote[toolID]
	if !ok {
		return nil, &capability.UnknownToolError{ToolID: toolID}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = map[string]any(params)

	s.logger.DebugContext(ctx, "mcp tool call", slog.String("server", s.name), slog.String("tool", name))
	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: mcp call %s/%s: %v", worker.ErrToolUnavailable, s.name, name, err)
	}
	out := []byte(formatContent(res.Content))
	if res.IsError {
		msg := strings.TrimSpace(string(tools.TruncateOutput(out, 512)))
		return nil, &worker.TaskError{ToolID: toolID, Err: fmt.Errorf("mcp tool %s/%s reported an error: %s", s.name, name, msg)}
	}
	return out, nil
}

// formatContent joins text content items. Non-text items are serialized as
// JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
			continue
		}
		data, _ := json.Marshal(c)
		sb.Write(data)
	}
	return sb.String()
}

// Bridge manages the client connections of all configured MCP servers.
type Bridge struct {
	mu      sync.Mutex
	servers []*Server
	logger  *slog.Logger
}

// NewBridge creates an empty bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{logger: logger}
}

// ConnectAll connects to every server concurrently. The first failure
// cancels the remaining handshakes; servers already connected stay attached
// and are released by Close.
func (b *Bridge) ConnectAll(ctx context.Context, cfgs []config.MCPServerConfig) ([]*Server, error) {
	out := make([]*Server, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cfg := range cfgs {
		g.Go(func() error {
			srv, err := b.Connect(gctx, cfg)
			if err != nil {
				return err
			}
			out[i] = srv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Connect starts a client for cfg and discovers its tools.
func (b *Bridge) Connect(ctx context.Context, cfg config.MCPServerConfig) (*Server, error) {
	c, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mcp client for %q: %w", cfg.Name, err)
	}
	srv, err := b.Attach(ctx, cfg, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return srv, nil
}

// Attach performs the handshake on a started client and discovers its
// tools. The bridge owns c afterwards.
func (b *Bridge) Attach(ctx context.Context, cfg config.MCPServerConfig, c mcpclient.MCPClient) (*Server, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: Version}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcp initialize for %q: %w", cfg.Name, err)
	}
	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp list tools for %q: %w", cfg.Name, err)
	}

	srv := &Server{name: cfg.Name, client: c, remote: make(map[string]string), logger: b.logger}
	for _, t := range list.Tools {
		if len(cfg.Tools) > 0 && !slices.Contains(cfg.Tools, t.Name) {
			continue
		}
		d := describe(cfg, t)
		srv.descs = append(srv.descs, d)
		srv.remote[d.ToolID] = t.Name
	}
	if len(cfg.Tools) > 0 && len(srv.descs) == 0 {
		return nil, fmt.Errorf("mcp server %q exposes none of the allowed tools %v", cfg.Name, cfg.Tools)
	}

	b.mu.Lock()
	b.servers = append(b.servers, srv)
	b.mu.Unlock()

	b.logger.Info("mcp server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.String("domain", cfg.Domain),
		slog.Int("tools", len(srv.descs)),
	)
	return srv, nil
}

// Servers returns the attached servers.
func (b *Bridge) Servers() []*Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.servers)
}

// Close shuts down every client connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	servers := b.servers
	b.servers = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if err := s.client.Close(); err != nil {
			b.logger.Error("closing mcp client", slog.String("server", s.name), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func describe(cfg config.MCPServerConfig, t mcp.Tool) capability.Descriptor {
	d := capability.Descriptor{
		ToolID:       tools.NamespacedID(cfg.Name, t.Name),
		Domain:       cfg.Domain,
		Description:  fmt.Sprintf("[MCP:%s] %s", cfg.Name, t.Description),
		Params:       capability.FromJSONSchema(t.InputSchema.Properties, t.InputSchema.Required),
		OutputSchema: cfg.OutputSchema,
		Timeout:      cfg.TimeoutMultiplier,
	}
	if d.OutputSchema == "" {
		d.OutputSchema = capability.SchemaFindingsJSON
	}
	if _, ok := d.Spec("target"); !ok {
		for _, s := range d.Params {
			if s.Required && s.Kind == capability.KindString {
				d.TargetParam = s.Name
				break
			}
		}
	}
	return d
}

func newClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case "stdio":
		// The stdio client spawns its subprocess on creation.
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnv(cfg.Headers)))
		}
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnv(cfg.Headers)))
		}
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting %s transport: %w", cfg.Transport, err)
	}
	return c, nil
}

// expandEnvList renders m as KEY=value pairs with ${VAR} references expanded.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	slices.Sort(env)
	return env
}

func expandEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
