package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/config"
	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/observability"
	"github.com/jkaninda/kaliagents/internal/optimizer"
	"github.com/jkaninda/kaliagents/internal/risk"
	"github.com/jkaninda/kaliagents/internal/sandbox"
	"github.com/jkaninda/kaliagents/internal/selector"
	"github.com/jkaninda/kaliagents/internal/storage"
	pgstore "github.com/jkaninda/kaliagents/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kaliagents/internal/storage/sqlite"
	"github.com/jkaninda/kaliagents/internal/supervisor"
	"github.com/jkaninda/kaliagents/internal/tools"
	"github.com/jkaninda/kaliagents/internal/tools/exec"
	mcptools "github.com/jkaninda/kaliagents/internal/tools/mcp"
	"github.com/jkaninda/kaliagents/internal/tools/simulate"
	"github.com/jkaninda/kaliagents/internal/transport/natsbus"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("KALIAGENTS_CONFIG", configPath)
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Components holds the subsystems shared by serve, assess and worker.
// Built by initCore and extended by buildPools and initEngine; torn down
// by Cleanup.
type Components struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability

	Registry  *capability.Registry
	Router    *worker.Router
	Simulator *simulate.Simulator // Non-nil in simulate mode.
	Pools     *worker.Group
	NATS      *nats.Conn // Non-nil when a domain runs remotely or in worker mode.

	Store    storage.Store
	Learning *learning.Store
	Engine   *supervisor.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

func (c *Components) registry() *prometheus.Registry {
	return c.Obs.MetricsOrNil().RegistryOrNil()
}

// initShared builds everything serve and assess need: tools, local or
// remote pools for every registered domain and the assessment engine.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, simulated bool) (*Components, error) {
	c, err := initCore(ctx, cfg, logger, simulated)
	if err != nil {
		return nil, err
	}
	if err := c.buildPools(c.Registry.Domains(), true); err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initEngine(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}
	return c, nil
}

// initCore sets up observability and the tool registry.
func initCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, simulated bool) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	if err := c.initTools(ctx, simulated); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing tools: %w", err)
	}
	return c, nil
}

// instrumentedSource routes a source's invocations through a wrapping
// invoker while keeping its descriptors.
type instrumentedSource struct {
	tools.Source
	inv worker.Invoker
}

func (s instrumentedSource) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	return s.inv.Invoke(ctx, toolID, params, timeout)
}

func (c *Components) instrument(src tools.Source, name string) tools.Source {
	if c.Obs.Metrics == nil && c.Obs.Tracer == nil {
		return src
	}
	return instrumentedSource{Source: src, inv: observability.NewInstrumentedInvoker(src, name, c.Obs.Metrics, c.Obs.Tracer)}
}

// initTools fills and seals the registry. In simulate mode the built-in
// catalog runs on the simulator; otherwise built-in tools are registered
// only when an exec entry backs them.
func (c *Components) initTools(ctx context.Context, simulated bool) error {
	cfg, logger := c.Config, c.Logger
	c.Registry = capability.NewRegistry()
	c.Router = worker.NewRouter(nil)

	if simulated || cfg.Tools.Simulate != nil {
		opts := simulate.Options{}
		if s := cfg.Tools.Simulate; s != nil {
			opts.Seed = s.Seed
			opts.SuccessRate = s.SuccessRate
			opts.Latency = time.Duration(s.LatencyMS) * time.Millisecond
		}
		c.Simulator = simulate.Builtins(opts)
		n, err := tools.Install(c.Registry, c.Router, c.instrument(c.Simulator, "simulate"))
		if err != nil {
			return err
		}
		logger.Info("simulated tools registered", slog.Int("count", n))
	}

	if len(cfg.Tools.Exec) > 0 {
		var sbx sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Orchestrator.TaskTimeout(),
			DefaultLimits: sandbox.Limits{
				MaxCPUSeconds: cfg.Tools.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Tools.Sandbox.MaxMemoryMB,
			},
			PathDirs: cfg.Tools.Sandbox.Path,
		}, logger)
		if c.Obs.Metrics != nil {
			sbx = observability.NewInstrumentedSandbox(sbx, c.Obs.Metrics, c.Obs.Tracer)
		}
		execCfgs := withBuiltinDescriptors(cfg.Tools.Exec, cfg.Tools.BuiltinsEnabled())
		if c.Simulator != nil {
			execCfgs = withoutRegistered(execCfgs, c.Registry)
		}
		src, err := exec.New(execCfgs, sbx, logger)
		if err != nil {
			return err
		}
		n, err := tools.Install(c.Registry, c.Router, c.instrument(src, "exec"))
		if err != nil {
			return err
		}
		logger.Info("exec tools registered", slog.Int("count", n))
	}

	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		c.addCleanup(func() {
			if err := bridge.Close(); err != nil {
				logger.Error("closing mcp bridge", slog.String("error", err.Error()))
			}
		})
		mcpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		servers, err := bridge.ConnectAll(mcpCtx, cfg.Tools.MCP)
		cancel()
		if err != nil {
			return err
		}
		for _, srv := range servers {
			n, err := tools.Install(c.Registry, c.Router, c.instrument(srv, "mcp"))
			if err != nil {
				return err
			}
			logger.Info("mcp tools registered", slog.String("server", srv.Name()), slog.Int("count", n))
		}
	}

	c.Registry.Seal()
	if c.Registry.Len() == 0 {
		logger.Warn("no tools registered; configure tools.exec or tools.mcp, or run with --simulate")
	}
	logger.Debug("capability registry sealed",
		slog.Int("tools", c.Registry.Len()),
		slog.Any("domains", c.Registry.Domains()),
	)
	return nil
}

// withBuiltinDescriptors fills exec entries that name a built-in tool id
// without declaring a domain from the built-in catalog.
func withBuiltinDescriptors(cfgs []config.ExecToolConfig, builtins bool) []config.ExecToolConfig {
	if !builtins {
		return cfgs
	}
	catalog := make(map[string]capability.Descriptor)
	for _, d := range capability.Builtins() {
		catalog[d.ToolID] = d
	}
	out := make([]config.ExecToolConfig, len(cfgs))
	for i, cfg := range cfgs {
		if d, ok := catalog[cfg.ToolID]; ok && cfg.Domain == "" {
			if cfg.OutputSchema != "" {
				d.OutputSchema = cfg.OutputSchema
			}
			cfg.Descriptor = d
		}
		out[i] = cfg
	}
	return out
}

// withoutRegistered drops entries whose tool id is already registered.
func withoutRegistered(cfgs []config.ExecToolConfig, reg *capability.Registry) []config.ExecToolConfig {
	var out []config.ExecToolConfig
	for _, cfg := range cfgs {
		if _, err := reg.Lookup(cfg.ToolID); err == nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// buildPools creates a dispatcher per domain: a local worker pool, or a NATS
// dispatcher when the domain is marked remote and allowRemote is set.
func (c *Components) buildPools(domains []string, allowRemote bool) error {
	cfg, logger := c.Config, c.Logger
	group := worker.NewGroup()
	c.Pools = group
	c.addCleanup(group.Close)

	metrics := worker.NewMetrics(c.registry())
	for _, d := range domains {
		dc := cfg.Domain(d)
		if dc.Remote && allowRemote {
			conn, err := c.connectNATS()
			if err != nil {
				return err
			}
			group.Add(d, natsbus.NewDispatcher(conn, natsbus.DispatcherConfig{
				Prefix:         cfg.NATS.Prefix(),
				Domain:         d,
				MaxInFlight:    dc.Workers(),
				RequestTimeout: cfg.NATS.RequestTimeout(),
			}, logger))
			logger.Debug("remote domain configured",
				slog.String("domain", d),
				slog.String("subject", natsbus.Subject(cfg.NATS.Prefix(), d)),
			)
			continue
		}
		agent := worker.NewAgent(worker.Config{
			Domain:    d,
			Timeout:   cfg.Orchestrator.TaskTimeout(),
			RateLimit: dc.RatePerSecond,
			Burst:     dc.Burst,
		}, c.Registry, c.Router, nil, metrics, logger)
		pool := worker.NewPool(d, agent, dc.Workers(), dc.Queue(), metrics, logger)
		pool.Start()
		group.Add(d, pool)
		logger.Debug("worker pool started",
			slog.String("domain", d),
			slog.Int("workers", pool.Size()),
			slog.Int("queue", dc.Queue()),
		)
	}
	return nil
}

func (c *Components) connectNATS() (*nats.Conn, error) {
	if c.NATS != nil {
		return c.NATS, nil
	}
	if c.Config.NATS == nil || c.Config.NATS.URL == "" {
		return nil, fmt.Errorf("nats.url is required for remote workers")
	}
	conn, err := nats.Connect(c.Config.NATS.URL,
		nats.Name("kaliagents"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", c.Config.NATS.URL, err)
	}
	c.NATS = conn
	c.addCleanup(func() {
		if err := conn.Drain(); err != nil {
			c.Logger.Error("draining nats connection", slog.String("error", err.Error()))
		}
	})
	c.Obs.Health.AddCheck("nats", func(_ context.Context) error {
		if !conn.IsConnected() {
			return fmt.Errorf("nats connection %s", conn.Status())
		}
		return nil
	})
	return conn, nil
}

// initEngine opens storage, warms the learning store and assembles the
// supervisor and its engine.
func (c *Components) initEngine(ctx context.Context) error {
	cfg, logger := c.Config, c.Logger

	if cfg.Storage.StorageDriver() == storage.DriverSQLite {
		dataDir := cfg.ResolvedDataDir()
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	c.Obs.Health.AddCheck("storage", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	reg := c.registry()
	seed := learning.SeedFromObservation
	if cfg.Learning.Seed == "zero" {
		seed = learning.SeedFromZero
	}
	learner := learning.NewStore(learning.Config{Alpha: cfg.Learning.Alpha, Seed: seed}, store, learning.NewMetrics(reg), logger)
	warmed, err := learner.Warm(ctx)
	if err != nil {
		return fmt.Errorf("warming learning store: %w", err)
	}
	c.Learning = learner
	logger.Debug("learning store warmed", slog.Int("records", warmed))

	scorer, err := risk.FromConfig(cfg.Risk)
	if err != nil {
		return fmt.Errorf("building risk scorer: %w", err)
	}

	opt := optimizer.New(optimizer.Config{
		Generations:    cfg.Optimizer.Generations,
		PopulationSize: cfg.Optimizer.PopulationSize,
		EliteCount:     cfg.Optimizer.EliteCount,
		TournamentSize: cfg.Optimizer.TournamentSize,
		CrossoverRate:  cfg.Optimizer.CrossoverRate,
		MutationRate:   cfg.Optimizer.MutationRate,
		MutationSigma:  cfg.Optimizer.MutationSigma,
		Seed:           cfg.Optimizer.Seed,
	}, c.Registry, logger)
	sel := selector.New(c.Registry, learner, opt, selector.Config{
		Epsilon:    cfg.Selector.Epsilon,
		Decay:      cfg.Selector.Decay,
		Floor:      cfg.Selector.Floor,
		Ceiling:    cfg.Selector.Ceiling,
		CostWeight: cfg.Selector.CostWeight,
		Seed:       cfg.Selector.Seed,
	}, logger)

	objectives := make([]supervisor.Objective, 0, len(cfg.Objectives))
	for _, o := range cfg.Objectives {
		objectives = append(objectives, supervisor.Objective{Tag: o.Tag, Domain: o.Domain, FollowUps: o.FollowUps})
	}

	sup := supervisor.New(supervisor.NewPlanner(objectives...), sel, learner, scorer, c.Pools, supervisor.Config{
		MaxAttempts:     cfg.Orchestrator.Attempts(),
		BackoffBase:     cfg.Orchestrator.BackoffBase(),
		MaxBackoff:      cfg.Orchestrator.MaxBackoff(),
		Jitter:          cfg.Orchestrator.Jitter,
		ReplanThreshold: cfg.Orchestrator.Threshold(),
		MaxDepth:        cfg.Orchestrator.Depth(),
		DefaultBudget: domain.Budget{
			MaxTasks:    cfg.Orchestrator.MaxTasks(),
			MaxDuration: cfg.Orchestrator.MaxDuration(),
		},
	}, supervisor.NewMetrics(reg), logger).WithTracer(c.Obs.TracerOrNoop())

	c.Engine = supervisor.NewEngine(sup, store, supervisor.EngineConfig{
		MaxSessions: cfg.Orchestrator.Sessions(),
		SessionTTL:  cfg.Orchestrator.SessionTTL(),
	}, logger)
	c.addCleanup(c.Engine.Close)
	return nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case "memory":
		return sqlitestore.Open(sqlitestore.Config{Path: sqlitestore.MemoryPath}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KALIAGENTS_DB_DSN)")
	}
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
