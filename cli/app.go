// Component wiring for CLI commands.
//
// Information Hiding:
// - Backend selection (memory, filesystem, Redis, SQLite, Postgres) hidden
// - Provider construction and instrumentation hidden
// - Resource cleanup order hidden behind Close

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Synthenova/conthunt-sub001/agent"
	"github.com/Synthenova/conthunt-sub001/analysis"
	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/config"
	"github.com/Synthenova/conthunt-sub001/justify"
	"github.com/Synthenova/conthunt-sub001/llm"
	"github.com/Synthenova/conthunt-sub001/objstore"
	"github.com/Synthenova/conthunt-sub001/platform"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/storage"
	"github.com/Synthenova/conthunt-sub001/telemetry"
	"github.com/Synthenova/conthunt-sub001/tools"
)

// Planner names accepted by Options.Planner.
const (
	PlannerHeuristic = "heuristic"
	PlannerLLM       = "llm"
)

// Platform is the video platform as the research tools use it.
type Platform interface {
	platform.Searcher
	platform.Analyzer
}

// Options holds CLI execution options.
type Options struct {
	// Planner chooses between the fixed pipeline and a tool-calling model.
	Planner string
	// StreamReplies rewrites replies through the model as they stream.
	StreamReplies bool
	Verbose       bool
	// Registerer receives the metrics; nil uses a private registry.
	Registerer prometheus.Registerer

	// LLM and Platform replace the configured clients when set.
	LLM      llm.Provider
	Platform Platform
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{Planner: PlannerHeuristic}
}

// App holds the wired research components.
type App struct {
	Settings    config.Settings
	Runner      *agent.Runner
	Deps        *tools.Deps
	Ledger      *quota.Ledger
	Transcripts storage.TranscriptStore

	logger  *zap.Logger
	closers []func() error
}

// Open wires every component from settings.
func Open(ctx context.Context, settings config.Settings, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Planner == "" {
		opts.Planner = PlannerHeuristic
	}
	if opts.Planner != PlannerHeuristic && opts.Planner != PlannerLLM {
		return nil, fmt.Errorf("unknown planner %q: want %s or %s", opts.Planner, PlannerHeuristic, PlannerLLM)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := telemetry.NewMetrics("conthunt", reg)

	app := &App{Settings: settings, logger: logger}
	ready := false
	defer func() {
		if !ready {
			app.Close()
		}
	}()

	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     settings.Store.RedisAddr,
				Password: settings.Store.RedisPassword,
			})
			app.closers = append(app.closers, rdb.Close)
		}
		return rdb
	}

	backend, err := openBackend(settings.Store, redisClient)
	if err != nil {
		return nil, err
	}
	store := objstore.New(backend,
		objstore.WithLogger(logger),
		objstore.WithGzipThreshold(settings.Store.GzipThreshold))

	table, err := quota.LoadTable(settings.Quota.PolicyFile)
	if err != nil {
		return nil, err
	}
	if settings.Quota.Driver == quota.DriverSQLite {
		if err := ensureParent(settings.Quota.DSN); err != nil {
			return nil, err
		}
	}
	ledger, err := quota.Open(ctx, settings.Quota.Driver, settings.Quota.DSN, table,
		quota.WithLogger(logger), quota.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to open quota ledger: %w", err)
	}
	app.Ledger = ledger
	app.closers = append(app.closers, ledger.Close)

	provider := opts.LLM
	if provider == nil {
		p, err := createProvider(settings.LLM)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	provider = telemetry.WrapProvider(provider, metrics, logger)

	plat := opts.Platform
	if plat == nil {
		if settings.Platform.BaseURL == "" {
			return nil, errors.New("PLATFORM_BASE_URL is required")
		}
		plat = platform.NewClient(settings.Platform.BaseURL, settings.Platform.APIKey,
			platform.WithTimeout(settings.Agent.CallTimeout),
			platform.WithLogger(logger))
	}

	justifier := justify.New(provider,
		justify.WithLogger(logger),
		justify.WithCallTimeout(settings.Agent.CallTimeout))

	deps := tools.NewDeps(store, plat, plat, ledger, justifier, logger,
		analysis.WithCallTimeout(settings.Agent.CallTimeout))
	deps.PageSize = settings.Agent.SearchPageSize
	deps.Metrics = metrics
	if settings.Agent.AnalysisSlots > 0 {
		deps.AnalysisSlots = semaphore.NewWeighted(int64(settings.Agent.AnalysisSlots))
	}
	app.Deps = deps

	cp, err := openCheckpointer(ctx, settings.Checkpoint, redisClient, app)
	if err != nil {
		return nil, err
	}

	builder := agent.NewBuilder(deps).
		Config(agent.Config{
			Parallelism:      settings.Agent.Parallelism,
			MaxRecordsPerRun: settings.Agent.MaxRecordsPerRun,
			DefaultTopK:      settings.Agent.DefaultTopK,
			MaxTopK:          settings.Agent.MaxTopK,
			MaxSteps:         settings.Agent.MaxSteps,
			LockTTL:          settings.Checkpoint.LockTTL,
		}).
		ToolConfig(tools.ToolConfig{Timeout: settings.Agent.CallTimeout, MaxRetries: tools.DefaultToolConfig().MaxRetries}).
		Checkpointer(cp).
		Logger(logger).
		Metrics(metrics)
	if opts.Planner == PlannerLLM {
		builder = builder.PlannerLLM(provider)
	}
	if opts.StreamReplies {
		builder = builder.ReplyWriter(provider)
	}
	runner, err := builder.Build()
	if err != nil {
		return nil, err
	}
	app.Runner = runner

	if settings.Store.Backend == config.BackendMemory {
		app.Transcripts = storage.NewInMemoryStorage()
	} else {
		s, err := storage.OpenSqlite(settings.Store.TranscriptDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open transcripts: %w", err)
		}
		app.Transcripts = s
		app.closers = append(app.closers, s.Close)
	}

	logger.Debug("research components ready",
		zap.String("store", settings.Store.Backend),
		zap.String("checkpoint", settings.Checkpoint.Backend),
		zap.String("quota_driver", settings.Quota.Driver),
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.String("planner", opts.Planner))
	ready = true
	return app, nil
}

// Close releases databases and connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openBackend(cfg config.StoreConfig, rdb func() *redis.Client) (objstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return objstore.NewMemoryBackend(), nil
	case config.BackendFS:
		return objstore.NewFSBackend(cfg.Root)
	case config.BackendRedis:
		return objstore.NewRedisBackend(rdb(), "conthunt:store"), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openCheckpointer(ctx context.Context, cfg config.CheckpointConfig, rdb func() *redis.Client, app *App) (checkpoint.Checkpointer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemory(), nil
	case config.BackendSQLite:
		if err := ensureParent(cfg.Path); err != nil {
			return nil, err
		}
		cp, err := checkpoint.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoints: %w", err)
		}
		app.closers = append(app.closers, cp.Close)
		return cp, nil
	case config.BackendRedis:
		return checkpoint.NewRedis(rdb(), "conthunt:checkpoint"), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// createProvider builds the configured LLM with retries and pacing.
func createProvider(cfg config.LLMConfig) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.APIKeyFor(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return providerType.
		Model(cfg.Model).
		MaxTokens(cfg.MaxTokens).
		Temperature(float32(cfg.Temperature)).
		MaxRetries(cfg.MaxRetries).
		RatePerSecond(cfg.RatePerSec).
		APIKey(apiKey)
}

func ensureParent(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
