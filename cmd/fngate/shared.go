package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/fngate/internal/approval"
	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/config"
	"github.com/jkaninda/fngate/internal/executor"
	"github.com/jkaninda/fngate/internal/observability"
	"github.com/jkaninda/fngate/internal/sandbox"
	"github.com/jkaninda/fngate/internal/simulation"
	"github.com/jkaninda/fngate/internal/storage"
	pgstore "github.com/jkaninda/fngate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/fngate/internal/storage/sqlite"
)

// Approval modes. The empty mode picks the command's default.
const (
	modeTerminal = "terminal"
	modePending  = "pending"
	modeDeny     = "deny"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // nil when storage.driver=memory.
	Obs    *observability.Observability

	Launcher *sandbox.Launcher
	Runner   sandbox.Runner // Launcher, instrumented when observability is on.
	Executor *executor.Executor
	Harness  *simulation.Harness

	Approvals *approval.Manager // Non-nil only in pending mode.
	Audit     audit.Logger
	Trail     audit.Store // Queryable side of the audit trail.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by FNGATE_CONFIG or --config and
// builds the process logger from it. Logs always go to stderr so that
// stdout stays free for results and the MCP stdio transport.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(goutils.Env("FNGATE_CONFIG", configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initShared performs the initialization common to all commands.
// defaultMode is the approval mode used when approval.mode is unset.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, defaultMode string) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	// Sandbox.
	sc.Launcher = sandbox.NewLauncher(sandbox.Config{
		Timeout:     cfg.Sandbox.Timeout(),
		Isolation:   sandbox.Isolation(cfg.Sandbox.Isolation),
		Interpreter: cfg.Sandbox.Interpreter,
		TempDir:     cfg.Sandbox.TempDir,
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		Container: sandbox.ContainerConfig{
			Image:       cfg.Sandbox.Container.Image,
			Interpreter: cfg.Sandbox.Container.Interpreter,
			CPUCores:    cfg.Sandbox.Container.CPUCores,
			PIDsLimit:   cfg.Sandbox.Container.PIDsLimit,
		},
	}, logger)
	sc.Launcher.SetProber(sandbox.NewProber(cfg.Sandbox.ProbeTTL()))

	sc.Runner = sc.Launcher
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		sc.Runner = observability.NewInstrumentedRunner(sc.Launcher, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	// Audit trail: JSON lines on disk plus the queryable store.
	if err := sc.initAudit(); err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Executor.
	def, entries, err := cfg.PermissionTable()
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Executor = executor.New(sc.Runner, executor.Config{
		DefaultPermission: def,
		ShellTimeout:      cfg.Executor.ShellTimeout(),
	}, logger)
	sc.Executor.SetAuditLogger(sc.Audit)
	if store != nil {
		sc.Executor.SetPermissionStore(store.Permissions())
	}

	// Stored entries first, then config, then the permissions file.
	if err := sc.Executor.LoadPermissions(ctx); err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Executor.ApplyPermissions(entries)
	if path := cfg.Executor.PermissionsFile; path != "" {
		fileEntries, err := config.LoadPermissionsFile(path)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		sc.Executor.ApplyPermissions(fileEntries)
	}

	if err := sc.initConfirmer(defaultMode); err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Test harness.
	sc.Harness = simulation.New(sc.Runner, cfg.Simulation.Timeout(), logger)
	if store != nil {
		sc.Harness.SetHistory(store.TestResults())
	}

	sc.initHealthChecks()

	logger.Debug("fngate initialized",
		slog.String("storage", cfg.StorageDriverName()),
		slog.String("isolation", cfg.Sandbox.Isolation),
		slog.String("default_permission", def.String()),
	)
	return sc, nil
}

func (sc *SharedComponents) initAudit() error {
	fileLog, err := audit.NewFileLogger(sc.Config.AuditLogPath(), sc.Logger)
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}

	if sc.Store != nil {
		sc.Trail = sc.Store.Audit()
	} else {
		sc.Trail = audit.NewMemory()
	}

	var logger audit.Logger = audit.Multi{fileLog, audit.NewStoreLogger(sc.Trail, sc.Logger)}
	if sc.Obs.Metrics != nil || sc.Obs.Anomaly != nil {
		logger = observability.NewInstrumentedAuditLogger(logger, sc.Obs.Metrics, sc.Obs.Anomaly)
	}
	sc.Audit = logger
	sc.addCleanup(func() {
		if err := logger.Close(); err != nil {
			sc.Logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	return nil
}

// initConfirmer installs the confirmer selected by approval.mode.
// In deny mode none is installed and full-level calls are refused.
func (sc *SharedComponents) initConfirmer(defaultMode string) error {
	mode := sc.Config.Approval.Mode
	if mode == "" {
		mode = defaultMode
	}

	switch mode {
	case modeTerminal:
		sc.Executor.SetConfirmer(approval.NewTerminal(os.Stdin, os.Stderr))
	case modePending:
		mgr := approval.NewManager(sc.Config.Approval.TTL(), sc.Logger)
		if sc.Store != nil {
			mgr.SetStore(sc.Store.Approvals())
		}
		sc.Approvals = mgr
		sc.Executor.SetConfirmer(mgr)
	case modeDeny:
	default:
		return fmt.Errorf("approval mode %q is not supported", mode)
	}
	sc.Logger.Debug("approval mode selected", slog.String("mode", mode))
	return nil
}

func (sc *SharedComponents) initHealthChecks() {
	h := sc.Config.Observability
	var hc *config.HealthConfig
	if h != nil {
		hc = h.Health
	}
	if sc.Store != nil && (hc == nil || hc.IncludeDB) {
		sc.Obs.Health.AddCheck("store", sc.Store.Ping)
	}
	if hc == nil || hc.IncludeSandbox {
		interpreter := sc.Config.Sandbox.Interpreter
		if interpreter == "" {
			interpreter = "python3"
		}
		sc.Obs.Health.AddCheck("interpreter", observability.InterpreterCheck(interpreter))
	}
}

// initStore opens the configured backend. It returns a nil store for the
// memory driver.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		logger.Warn("memory storage selected: permissions, test history and approvals are not persisted")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or FNGATE_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}
