package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/backup"
	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/config"
	execengine "github.com/sprite-ai/tiergate/internal/execute"
	"github.com/sprite-ai/tiergate/internal/gate"
	"github.com/sprite-ai/tiergate/internal/git"
	"github.com/sprite-ai/tiergate/internal/lock"
	"github.com/sprite-ai/tiergate/internal/metrics"
	"github.com/sprite-ai/tiergate/internal/orchestrator"
	"github.com/sprite-ai/tiergate/internal/retry"
	"github.com/sprite-ai/tiergate/internal/store"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	git       *git.Client
	registry  *prometheus.Registry
	metrics   *orchestrator.Metrics
	collector *metrics.Collector
	checks    *checks.Registry
	gate      *gate.Gate
	store     *store.Store // nil with the memory store
	backups   *backup.Manager
	engine    *execengine.Engine
	orch      *orchestrator.Orchestrator
}

// loadConfig reads the configuration named by --config (or found in the working directory)
// with env and flag overrides applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{
		Path:        path,
		Flags:       cmd.Flags(),
		KnownChecks: checks.BuiltinNames(),
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp loads the configuration and wires every component. The returned cleanup must be
// called when the command finishes.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := loggerFrom(cmd.Context())
	if src := cfg.Source(); src != "" {
		logger.Debug("config loaded", "file", src)
	}
	return wire(cmd.Context(), cfg, logger)
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, func(), error) {
	settings := cfg.Settings()
	repo := cfg.Repository()
	policy := retry.FromSettings(settings.RetryLimit, settings.RetryBackoffBase)

	a := &app{cfg: cfg, logger: logger}
	cleanup := func() {
		if a.store != nil {
			_ = a.store.Close()
		}
	}

	a.git = git.New(git.Options{
		Dir:     repo.Path,
		Remote:  repo.Remote,
		Timeout: repo.GitTimeout,
		Retry:   policy,
		Logger:  logger,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = orchestrator.NewMetrics(a.registry)

	var scorer metrics.ConflictScorer = metrics.HunkOverlap{Source: a.git}
	if repo.ConflictScorer == config.ScorerMergeTree {
		scorer = metrics.MergeTree{Source: a.git}
	}
	collector, err := metrics.NewCollector(metrics.Options{
		Repo:      a.git,
		Scorer:    scorer,
		Matcher:   metrics.NewMatcher(cfg.CriticalFiles(), cfg.PriorityPatterns()),
		CacheSize: cfg.CacheSize(),
		Expiry:    settings.CacheExpiry,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	a.collector = collector

	if a.checks, err = checks.Default(cfg, logger); err != nil {
		return nil, nil, err
	}
	a.gate = gate.New(cfg.Tiers(), a.checks, settings.MaxParallelJobs, logger)
	a.gate.OnEscalate = a.metrics.Escalated

	var records backup.Store
	if cfg.Backup().Store == config.StoreSQLite {
		st, err := store.Open(ctx, cfg.Backup().Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening state store: %w", err)
		}
		a.store = st
		records = st
	}
	a.backups = backup.NewManager(backup.Options{
		Refs:       a.git,
		Store:      records,
		MaxBackups: settings.MaxBackups,
		Retry:      policy,
		Logger:     logger,
	})

	a.engine = execengine.New(execengine.Options{
		Remote:      a.git,
		Backups:     a.backups,
		Locks:       lock.NewKeyed(),
		LockTimeout: settings.LockTimeout,
		Retry:       policy,
		Logger:      logger,
	})

	a.orch, err = orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Analyzer: a.collector,
		Gate:     a.gate,
		Executor: a.engine,
		Branches: a.git,
		RepoDir:  repo.Path,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

// requireStore fails commands that read persisted state when the memory store is configured.
func (a *app) requireStore() error {
	if a.store == nil {
		return fmt.Errorf("this command needs persisted state; set backup.store to %q", config.StoreSQLite)
	}
	return nil
}
