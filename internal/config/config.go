// Package config handles loading and validating kaliagents configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kaliagents/internal/capability"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration.
type Config struct {
	LogLevel      string                  `json:"log_level,omitempty" yaml:"log_level,omitempty"`         // debug, info, warn, error. Default: info.
	DataDir       string                  `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Default: ~/.kaliagents/data. Override: KALIAGENTS_DATA_DIR.
	Orchestrator  OrchestratorConfig      `json:"orchestrator" yaml:"orchestrator"`
	Learning      LearningConfig          `json:"learning" yaml:"learning"`
	Optimizer     OptimizerConfig         `json:"optimizer" yaml:"optimizer"`
	Selector      SelectorConfig          `json:"selector" yaml:"selector"`
	Risk          *RiskConfig             `json:"risk,omitempty" yaml:"risk,omitempty"`                   // nil = default rule base
	Storage       *StorageConfig          `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data dir
	Observability *ObservabilityConfig    `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics on, tracing off
	Gateway       *GatewayConfig          `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = defaults for `serve`
	NATS          *NATSConfig             `json:"nats,omitempty" yaml:"nats,omitempty"`                   // nil = all workers local
	Tools         ToolsConfig             `json:"tools" yaml:"tools"`
	Domains       map[string]DomainConfig `json:"domains,omitempty" yaml:"domains,omitempty"`             // Per-domain worker pools. Missing domains get defaults.
	Objectives    []ObjectiveConfig       `json:"objectives,omitempty" yaml:"objectives,omitempty"`       // Added to the built-in objective catalog.
	Schedules     []ScheduleConfig        `json:"schedules,omitempty" yaml:"schedules,omitempty"`         // Recurring assessments, run by `serve`.
}

// OrchestratorConfig tunes the supervisor.
type OrchestratorConfig struct {
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts"`                     // Default: 3.
	BackoffBaseMS       int     `json:"backoff_base_ms" yaml:"backoff_base_ms"`               // Default: 500.
	MaxBackoffMS        int     `json:"max_backoff_ms" yaml:"max_backoff_ms"`                 // Default: 30000.
	Jitter              bool    `json:"jitter" yaml:"jitter"`                                 // Randomize backoff in [d/2, d].
	ReplanThreshold     float64 `json:"replan_threshold" yaml:"replan_threshold"`             // Default: 0.7.
	MaxDepth            int     `json:"max_depth" yaml:"max_depth"`                           // Follow-up depth. Default: 2.
	TaskTimeoutSeconds  int     `json:"task_timeout_seconds" yaml:"task_timeout_seconds"`     // Base tool timeout, scaled per tool. Default: 30.
	DefaultMaxTasks     int     `json:"default_max_tasks" yaml:"default_max_tasks"`           // Applied when a request has none. Default: 50.
	DefaultMaxDurationS int     `json:"default_max_duration_s" yaml:"default_max_duration_s"` // Default: 3600.
	SessionTTLMinutes   int     `json:"session_ttl_minutes" yaml:"session_ttl_minutes"`       // Finished sessions kept in memory. Default: 60.
	MaxSessions         int     `json:"max_sessions" yaml:"max_sessions"`                     // Concurrent sessions. Default: 16.
}

// Attempts returns the max attempts per task with a default of 3.
func (o OrchestratorConfig) Attempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 3
}

// BackoffBase returns the base retry backoff with a default of 500ms.
func (o OrchestratorConfig) BackoffBase() time.Duration {
	if o.BackoffBaseMS > 0 {
		return time.Duration(o.BackoffBaseMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// MaxBackoff returns the backoff cap with a default of 30s.
func (o OrchestratorConfig) MaxBackoff() time.Duration {
	if o.MaxBackoffMS > 0 {
		return time.Duration(o.MaxBackoffMS) * time.Millisecond
	}
	return 30 * time.Second
}

// Threshold returns the re-plan priority threshold with a default of 0.7.
func (o OrchestratorConfig) Threshold() float64 {
	if o.ReplanThreshold > 0 && o.ReplanThreshold <= 1 {
		return o.ReplanThreshold
	}
	return 0.7
}

// Depth returns the max follow-up depth with a default of 2.
func (o OrchestratorConfig) Depth() int {
	if o.MaxDepth > 0 {
		return o.MaxDepth
	}
	return 2
}

// TaskTimeout returns the base tool timeout with a default of 30s.
func (o OrchestratorConfig) TaskTimeout() time.Duration {
	if o.TaskTimeoutSeconds > 0 {
		return time.Duration(o.TaskTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxTasks returns the default task budget with a default of 50.
func (o OrchestratorConfig) MaxTasks() int {
	if o.DefaultMaxTasks > 0 {
		return o.DefaultMaxTasks
	}
	return 50
}

// MaxDuration returns the default wall-clock budget with a default of 1 hour.
func (o OrchestratorConfig) MaxDuration() time.Duration {
	if o.DefaultMaxDurationS > 0 {
		return time.Duration(o.DefaultMaxDurationS) * time.Second
	}
	return time.Hour
}

// SessionTTL returns how long finished sessions stay queryable in memory.
func (o OrchestratorConfig) SessionTTL() time.Duration {
	if o.SessionTTLMinutes > 0 {
		return time.Duration(o.SessionTTLMinutes) * time.Minute
	}
	return time.Hour
}

// Sessions returns the concurrent session limit with a default of 16.
func (o OrchestratorConfig) Sessions() int {
	if o.MaxSessions > 0 {
		return o.MaxSessions
	}
	return 16
}

// LearningConfig tunes the learning context store.
type LearningConfig struct {
	Alpha float64 `json:"alpha" yaml:"alpha"` // EMA smoothing in (0,1]. Default: 0.3.
	Seed  string  `json:"seed" yaml:"seed"`   // "first_observation" (default) or "zero".
}

// OptimizerConfig tunes the genetic parameter optimizer.
type OptimizerConfig struct {
	Generations    int     `json:"generations" yaml:"generations"`
	PopulationSize int     `json:"population_size" yaml:"population_size"`
	EliteCount     int     `json:"elite_count" yaml:"elite_count"`
	TournamentSize int     `json:"tournament_size" yaml:"tournament_size"`
	CrossoverRate  float64 `json:"crossover_rate" yaml:"crossover_rate"`
	MutationRate   float64 `json:"mutation_rate" yaml:"mutation_rate"`
	MutationSigma  float64 `json:"mutation_sigma" yaml:"mutation_sigma"`
	Seed           uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// SelectorConfig tunes the epsilon-greedy selector.
type SelectorConfig struct {
	Epsilon    float64 `json:"epsilon" yaml:"epsilon"`
	Decay      float64 `json:"decay" yaml:"decay"`
	Floor      float64 `json:"floor" yaml:"floor"`
	Ceiling    float64 `json:"ceiling" yaml:"ceiling"`
	CostWeight float64 `json:"cost_weight" yaml:"cost_weight"`
	Seed       uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// RiskConfig replaces the default fuzzy rule base.
type RiskConfig struct {
	Rules []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig is one fuzzy rule: levels are low, medium or high; then is
// info, low, medium, high or critical.
type RuleConfig struct {
	Severity       string `json:"severity" yaml:"severity"`
	Exploitability string `json:"exploitability" yaml:"exploitability"`
	AssetValue     string `json:"asset_value" yaml:"asset_value"`
	Then           string `json:"then" yaml:"then"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	// Reports older than this are pruned daily by `serve`. 0 = keep forever.
	RetentionDays int `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// Retention returns the report retention period, zero when disabled.
func (s *StorageConfig) Retention() time.Duration {
	if s == nil || s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/kaliagents.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // Default: "wal".
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KALIAGENTS_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`       // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kaliagents"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// MetricsEnabled reports whether Prometheus metrics are collected.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	if o == nil || o.Metrics == nil {
		return true
	}
	return o.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (o *ObservabilityConfig) MetricsPath() string {
	if o != nil && o.Metrics != nil && o.Metrics.Path != "" {
		return o.Metrics.Path
	}
	return "/metrics"
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr"`                                         // Default: ":8080". Override: KALIAGENTS_LISTEN.
	APIKeys         []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`                           // Empty = no auth. Override: KALIAGENTS_API_KEYS (comma-separated).
	WebSocket       *bool    `json:"websocket,omitempty" yaml:"websocket,omitempty"`                         // Default: true.
	ShutdownTimeout int      `json:"shutdown_timeout_s,omitempty" yaml:"shutdown_timeout_s,omitempty"`       // Default: 15.
	RateLimit       int      `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"` // Per API key. 0 = unlimited.
	RateBurst       int      `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`
	EnableDocs      bool     `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`                     // Serve OpenAPI docs.
}

// Listen returns the listen address with a default of ":8080".
func (g *GatewayConfig) Listen() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// WebSocketEnabled reports whether the WebSocket stream is served.
func (g *GatewayConfig) WebSocketEnabled() bool {
	if g == nil || g.WebSocket == nil {
		return true
	}
	return *g.WebSocket
}

// Shutdown returns the graceful shutdown timeout.
func (g *GatewayConfig) Shutdown() time.Duration {
	if g != nil && g.ShutdownTimeout > 0 {
		return time.Duration(g.ShutdownTimeout) * time.Second
	}
	return 15 * time.Second
}

// NATSConfig configures remote worker transport.
type NATSConfig struct {
	URL             string `json:"url" yaml:"url"`                             // Override: KALIAGENTS_NATS_URL.
	SubjectPrefix   string `json:"subject_prefix" yaml:"subject_prefix"`       // Default: "kaliagents.tasks".
	QueueGroup      string `json:"queue_group" yaml:"queue_group"`             // Default: "kaliagents-workers".
	RequestTimeoutS int    `json:"request_timeout_s" yaml:"request_timeout_s"` // Upper bound per remote attempt. Default: 900.
}

// Prefix returns the subject prefix.
func (n *NATSConfig) Prefix() string {
	if n != nil && n.SubjectPrefix != "" {
		return n.SubjectPrefix
	}
	return "kaliagents.tasks"
}

// Queue returns the queue group.
func (n *NATSConfig) Queue() string {
	if n != nil && n.QueueGroup != "" {
		return n.QueueGroup
	}
	return "kaliagents-workers"
}

// RequestTimeout returns the per-request upper bound.
func (n *NATSConfig) RequestTimeout() time.Duration {
	if n != nil && n.RequestTimeoutS > 0 {
		return time.Duration(n.RequestTimeoutS) * time.Second
	}
	return 15 * time.Minute
}

// ToolsConfig selects tool sources.
type ToolsConfig struct {
	Builtins *bool             `json:"builtins,omitempty" yaml:"builtins,omitempty"` // Register the built-in catalog. Default: true.
	Simulate *SimulateConfig   `json:"simulate,omitempty" yaml:"simulate,omitempty"` // nil = built-ins run through exec.
	Exec     []ExecToolConfig  `json:"exec,omitempty" yaml:"exec,omitempty"`
	MCP      []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Sandbox  SandboxConfig     `json:"sandbox" yaml:"sandbox"`
}

// BuiltinsEnabled reports whether the built-in catalog is registered.
func (t ToolsConfig) BuiltinsEnabled() bool {
	return t.Builtins == nil || *t.Builtins
}

// SimulateConfig configures simulated tools for demo runs and tests.
type SimulateConfig struct {
	Seed        uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`
	SuccessRate float64 `json:"success_rate,omitempty" yaml:"success_rate,omitempty"` // Default: per-tool profile.
	LatencyMS   int     `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`     // Default: per-tool profile.
}

// ExecToolConfig declares a tool run as a sandboxed child process. Args are
// text/template strings with sprig functions, rendered against the
// invocation parameters.
type ExecToolConfig struct {
	capability.Descriptor `yaml:",inline"`
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	SuccessExitCodes []int             `json:"success_exit_codes,omitempty" yaml:"success_exit_codes,omitempty"` // Default: [0].
}

// MCPServerConfig defines one external MCP server whose tools are
// registered into a worker domain.
type MCPServerConfig struct {
	Name              string            `json:"name" yaml:"name"`                                                 // Tool ids are namespaced "mcp__<name>__<tool>".
	Transport         string            `json:"transport" yaml:"transport"`                                       // "stdio", "sse", or "streamable_http".
	Command           string            `json:"command,omitempty" yaml:"command,omitempty"`                       // stdio only.
	Args              []string          `json:"args,omitempty" yaml:"args,omitempty"`                             // stdio only.
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                               // stdio only. Values support ${VAR} expansion.
	URL               string            `json:"url,omitempty" yaml:"url,omitempty"`                               // sse/streamable_http only.
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`                       // Values support ${VAR} expansion.
	Domain            string            `json:"domain" yaml:"domain"`                                             // Worker domain owning the discovered tools.
	OutputSchema      string            `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`           // Default: findings.v1.
	TimeoutMultiplier float64           `json:"timeout_multiplier,omitempty" yaml:"timeout_multiplier,omitempty"`
	Tools             []string          `json:"tools,omitempty" yaml:"tools,omitempty"`                           // Allowlist of server tool names. Empty = all.
}

// SandboxConfig configures the process sandbox for exec tools.
type SandboxConfig struct {
	MaxCPUSeconds int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB   int    `json:"max_memory_mb" yaml:"max_memory_mb"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`   // PATH given to tools.
}

// DomainConfig configures the worker pool of one domain.
type DomainConfig struct {
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`         // Default: 2.
	QueueSize     int     `json:"queue_size" yaml:"queue_size"`           // Default: 16.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"` // 0 = unlimited.
	Burst         int     `json:"burst" yaml:"burst"`                     // Default: 1.
	Remote        bool    `json:"remote" yaml:"remote"`                   // Dispatch over NATS instead of a local pool.
}

// Workers returns the pool size with a default of 2.
func (d DomainConfig) Workers() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return 2
}

// Queue returns the queue length with a default of 16.
func (d DomainConfig) Queue() int {
	if d.QueueSize > 0 {
		return d.QueueSize
	}
	return 16
}

// Domain returns the settings for name, falling back to defaults.
func (c *Config) Domain(name string) DomainConfig {
	if d, ok := c.Domains[name]; ok {
		return d
	}
	return DomainConfig{}
}

// ObjectiveConfig adds or overrides an objective in the planner catalog.
type ObjectiveConfig struct {
	Tag       string   `json:"tag" yaml:"tag"`
	Domain    string   `json:"domain" yaml:"domain"`
	FollowUps []string `json:"follow_ups,omitempty" yaml:"follow_ups,omitempty"`
}

// ScheduleConfig is a recurring assessment.
type ScheduleConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Cron         string   `json:"cron" yaml:"cron"`                                         // Standard 5-field expression or descriptor like "@daily".
	Scope        []string `json:"scope" yaml:"scope"`
	Objectives   []string `json:"objectives" yaml:"objectives"`
	MaxTasks     int      `json:"max_tasks,omitempty" yaml:"max_tasks,omitempty"`
	MaxDurationS int      `json:"max_duration_s,omitempty" yaml:"max_duration_s,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kaliagents.yaml"
	}
	return filepath.Join(home, ".kaliagents", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("KALIAGENTS_DATA_DIR", c.DataDir)
	c.LogLevel = goutils.Env("KALIAGENTS_LOG_LEVEL", c.LogLevel)

	if dsn := os.Getenv("KALIAGENTS_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if url := os.Getenv("KALIAGENTS_NATS_URL"); url != "" {
		if c.NATS == nil {
			c.NATS = &NATSConfig{}
		}
		c.NATS.URL = url
	}
	if listen := os.Getenv("KALIAGENTS_LISTEN"); listen != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.ListenAddr = listen
	}
	if keys := os.Getenv("KALIAGENTS_API_KEYS"); keys != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Gateway.APIKeys = append(c.Gateway.APIKeys, k)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".kaliagents", "data")
		} else {
			c.DataDir = "data"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kaliagents.db")
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) validate() error {
	var errs []error
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel))
	}
	if a := c.Learning.Alpha; a < 0 || a > 1 {
		errs = append(errs, fmt.Errorf("learning.alpha %v: must be in (0,1]", a))
	}
	switch c.Learning.Seed {
	case "", "first_observation", "zero":
	default:
		errs = append(errs, fmt.Errorf("learning.seed %q: must be first_observation or zero", c.Learning.Seed))
	}
	if t := c.Orchestrator.ReplanThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.replan_threshold %v: must be in [0,1]", t))
	}
	switch c.Storage.StorageDriver() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: must be sqlite, postgres or memory", c.Storage.Driver))
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("observability.tracing.protocol %q: must be grpc or http", c.Observability.Tracing.Protocol))
		}
	}
	for name, d := range c.Domains {
		if d.Remote && (c.NATS == nil || c.NATS.URL == "") {
			errs = append(errs, fmt.Errorf("domains.%s.remote requires nats.url", name))
		}
		if d.RatePerSecond < 0 {
			errs = append(errs, fmt.Errorf("domains.%s.rate_per_second must be >= 0", name))
		}
	}
	for i, t := range c.Tools.Exec {
		if t.ToolID == "" || t.Command == "" {
			errs = append(errs, fmt.Errorf("tools.exec[%d]: tool_id and command are required", i))
		}
	}
	for i, m := range c.Tools.MCP {
		if m.Name == "" || m.Domain == "" {
			errs = append(errs, fmt.Errorf("tools.mcp[%d]: name and domain are required", i))
		}
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				errs = append(errs, fmt.Errorf("tools.mcp[%d]: command is required for stdio", i))
			}
		case "sse", "streamable_http":
			if m.URL == "" {
				errs = append(errs, fmt.Errorf("tools.mcp[%d]: url is required for %s", i, m.Transport))
			}
		default:
			errs = append(errs, fmt.Errorf("tools.mcp[%d]: unsupported transport %q", i, m.Transport))
		}
	}
	for i, o := range c.Objectives {
		if o.Tag == "" || o.Domain == "" {
			errs = append(errs, fmt.Errorf("objectives[%d]: tag and domain are required", i))
		}
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || len(s.Scope) == 0 || len(s.Objectives) == 0 {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron, scope and objectives are required", i))
		}
	}
	if c.Risk != nil && len(c.Risk.Rules) != 27 {
		errs = append(errs, fmt.Errorf("risk.rules: need 27 rules, got %d", len(c.Risk.Rules)))
	}
	return errors.Join(errs...)
}
