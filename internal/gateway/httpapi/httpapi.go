// Package httpapi implements the HTTP API gateway for kaliagents.
//
// Security:
//   - API key authentication on /v1 routes (constant-time comparison)
//   - Per-key rate limiting via token bucket
//   - Request body size limits (default 1 MB)
//   - All submissions logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/observability"
	"github.com/jkaninda/kaliagents/internal/ratelimit"
	"github.com/jkaninda/kaliagents/internal/storage"
	"github.com/jkaninda/kaliagents/internal/supervisor"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// anonymousCaller is the caller id used when no API keys are configured.
const anonymousCaller = "anonymous"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Assessments is the session engine behind the API.
type Assessments interface {
	Submit(ctx context.Context, req domain.AssessmentRequest) (uuid.UUID, error)
	Status(id uuid.UUID) (supervisor.Summary, error)
	Findings(id uuid.UUID) (*domain.FindingSet, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Subscribe(id uuid.UUID) (<-chan supervisor.Event, func(), error)
	List() []supervisor.Summary
}

// Catalog lists registered capabilities.
type Catalog interface {
	List() []capability.Descriptor
}

// LearningView exposes the learned tool effectiveness.
type LearningView interface {
	Snapshot() []learning.Record
}

// HistoryStore queries persisted assessment reports.
type HistoryStore interface {
	History(ctx context.Context, target string, limit int) ([]storage.ReportSummary, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> caller id. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	engine   Assessments
	catalog  Catalog
	learning LearningView
	history  HistoryStore
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway over engine. rl may be nil.
func NewGateway(cfg Config, engine Assessments, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithCapabilities serves GET /v1/capabilities from c.
func (g *Gateway) WithCapabilities(c Catalog) *Gateway {
	g.catalog = c
	return g
}

// WithLearning serves GET /v1/learning from l.
func (g *Gateway) WithLearning(l LearningView) *Gateway {
	g.learning = l
	return g
}

// WithHistory serves GET /v1/history from h.
func (g *Gateway) WithHistory(h HistoryStore) *Gateway {
	g.history = h
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "kaliagents",
			Version: version,
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/assessments", g.handleSubmit,
		okapi.DocSummary("Submit an assessment"),
		okapi.DocTags("Assessments"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/assessments", g.handleList,
		okapi.DocSummary("List running and recent assessments"),
		okapi.DocTags("Assessments"),
		okapi.DocResponse([]supervisor.Summary{}),
	)
	g.group.Get("/assessments/{id}", g.handleStatus,
		okapi.DocSummary("Get assessment status"),
		okapi.DocTags("Assessments"),
		okapi.DocPathParam("id", "string", "Assessment ID (UUID)"),
		okapi.DocResponse(supervisor.Summary{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/assessments/{id}/findings", g.handleFindings,
		okapi.DocSummary("Get assessment findings, partial while running"),
		okapi.DocTags("Assessments"),
		okapi.DocPathParam("id", "string", "Assessment ID (UUID)"),
		okapi.DocResponse(domain.FindingSet{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/assessments/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel a running assessment"),
		okapi.DocTags("Assessments"),
		okapi.DocPathParam("id", "string", "Assessment ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/assessments/{id}/events", g.handleEvents,
		okapi.DocSummary("Stream assessment events via SSE"),
		okapi.DocTags("Assessments"),
		okapi.DocPathParam("id", "string", "Assessment ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/capabilities", g.handleCapabilities,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Registry"),
		okapi.DocResponse([]capability.Descriptor{}),
	)
	g.group.Get("/learning", g.handleLearning,
		okapi.DocSummary("Learned tool effectiveness"),
		okapi.DocTags("Registry"),
		okapi.DocResponse([]learning.Record{}),
	)
	g.group.Get("/history", g.handleHistory,
		okapi.DocSummary("Persisted assessment reports, optionally by target"),
		okapi.DocTags("History"),
		okapi.DocResponse([]storage.ReportSummary{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	// No WriteTimeout: SSE and WebSocket streams are long-lived.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SubmitRequest is the JSON body for POST /v1/assessments.
type SubmitRequest struct {
	ID          string   `json:"id,omitempty"` // Optional client-chosen UUID.
	Scope       []string `json:"scope"`
	Objectives  []string `json:"objectives"`
	MaxTasks    int      `json:"max_tasks,omitempty"`
	MaxDuration string   `json:"max_duration,omitempty"` // Go duration, e.g. "30m".
}

func (r SubmitRequest) toDomain() (domain.AssessmentRequest, error) {
	req := domain.AssessmentRequest{
		Scope:      r.Scope,
		Objectives: r.Objectives,
		Budget:     domain.Budget{MaxTasks: r.MaxTasks},
	}
	if r.ID != "" {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return req, err
		}
		req.ID = id
	}
	if r.MaxDuration != "" {
		d, err := time.ParseDuration(r.MaxDuration)
		if err != nil {
			return req, err
		}
		req.Budget.MaxDuration = d
	}
	return req, nil
}

// SubmitResponse is returned with HTTP 202 by submit and cancel.
type SubmitResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	userID := c.GetString("userID")

	var body SubmitRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	req, err := body.toDomain()
	if err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	correlationID := newCorrelationID()
	id, err := g.engine.Submit(c.Context(), req)
	if err != nil {
		g.logger.Warn("assessment submission rejected",
			slog.String("user_id", userID),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return engineError(c, err)
	}

	g.logger.Info("http assessment submitted",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("assessment_id", id.String()),
	)
	return c.JSON(http.StatusAccepted, SubmitResponse{
		ID:            id.String(),
		Status:        string(domain.SessionPlanning),
		CorrelationID: correlationID,
	})
}

func (g *Gateway) handleList(c *okapi.Context) error {
	return c.OK(g.engine.List())
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid assessment id")
	}
	summary, err := g.engine.Status(id)
	if err != nil {
		return engineError(c, err)
	}
	return c.OK(summary)
}

func (g *Gateway) handleFindings(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid assessment id")
	}
	fs, err := g.engine.Findings(id)
	if err != nil {
		return engineError(c, err)
	}
	return c.OK(fs)
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid assessment id")
	}
	if err := g.engine.Cancel(c.Context(), id); err != nil {
		return engineError(c, err)
	}
	g.logger.Info("http assessment cancel",
		slog.String("user_id", c.GetString("userID")),
		slog.String("assessment_id", id.String()),
	)
	return c.JSON(http.StatusAccepted, SubmitResponse{ID: id.String(), Status: "cancelling"})
}

func (g *Gateway) handleCapabilities(c *okapi.Context) error {
	if g.catalog == nil {
		return c.AbortServiceUnavailable("capability registry not configured")
	}
	return c.OK(g.catalog.List())
}

func (g *Gateway) handleLearning(c *okapi.Context) error {
	if g.learning == nil {
		return c.AbortServiceUnavailable("learning store not configured")
	}
	return c.OK(g.learning.Snapshot())
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	if g.history == nil {
		return c.AbortServiceUnavailable("report storage not configured")
	}
	query := c.Request().URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		return c.AbortBadRequest("invalid limit", err)
	}
	reports, err := g.history.History(c.Context(), strings.TrimSpace(query.Get("target")), limit)
	if err != nil {
		g.logger.Error("history query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("history query failed")
	}
	if reports == nil {
		reports = []storage.ReportSummary{}
	}
	return c.OK(reports)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID := anonymousCaller
		if len(g.config.APIKeys) > 0 {
			userID = matchAPIKey(g.config.APIKeys, c.Header("Authorization"))
			if userID == "" {
				return c.AbortUnauthorized("missing or invalid API key")
			}
		}
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// matchAPIKey returns the caller id of the bearer token in header, or "".
// Every key is compared so timing does not depend on which one matches.
func matchAPIKey(keys map[string]string, header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")
	userID := ""
	for key, caller := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = caller
		}
	}
	return userID
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
