// Package app wires the scanner's stores, upstream client and sync pipeline from configuration.
// Every binary builds on the same App.
package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/registry-scanner/internal/cache"
	"github.com/registry-scanner/internal/config"
	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/events"
	"github.com/registry-scanner/internal/ingest"
	"github.com/registry-scanner/internal/job"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/ratelimit"
	"github.com/registry-scanner/internal/retry"
	"github.com/registry-scanner/internal/service"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/upstream"
)

// App holds the long-lived components of one process
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Postgres   *storage.PostgresDB
	Redis      *redis.Client
	ClickHouse *storage.ClickHouseDB

	Repo         storage.Repository
	Client       *upstream.Client
	Detector     *service.MovementDetector
	Views        *service.ViewService
	Orchestrator *job.Orchestrator

	eventSink *storage.BatchingEventSink
}

// Initialize connects to the configured stores and builds the sync pipeline.
// On error everything opened so far is closed again.
func Initialize(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	logger.Info("Connecting to databases...")
	a.Postgres, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.Repo = storage.NewPostgresRepository(a.Postgres)

	if cfg.Database.Redis.Enabled {
		a.Redis, err = storage.NewRedisClient(ctx, &cfg.Database.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	if cfg.Database.ClickHouse.Enabled {
		a.ClickHouse, err = storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
	}
	logger.Info("Database connections established")

	gate := ratelimit.NewGate(cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst)
	if a.Redis != nil {
		budget, budgetErr := ratelimit.NewRedisBudget(&ratelimit.RedisBudgetConfig{
			Redis:  a.Redis,
			Budget: int(math.Ceil(cfg.Upstream.RequestsPerSecond)),
		})
		if budgetErr != nil {
			return nil, budgetErr
		}
		gate = gate.WithBudget(budget)
	}

	a.Client, err = upstream.NewClient(cfg.Upstream, gate, a.Metrics)
	if err != nil {
		return nil, err
	}

	policy, err := config.LoadDetectionPolicy(cfg.Detection.PolicyPath)
	if err != nil {
		return nil, err
	}

	fetchRetry := retry.NewRetryConfig(cfg.Sync.MaxRetries, cfg.Sync.RetryBackoffBase, cfg.Sync.RetryBackoffMax, apperrors.IsRetryable)
	fetchRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.Metrics.UpstreamRetry()
	}

	planner := ingest.NewPlanner(a.Client, ingest.PlannerConfig{
		Cap:              cfg.Upstream.ResultCap,
		CapMargin:        cfg.Sync.CapMargin,
		MinSpan:          cfg.Sync.MinPartitionSpan,
		Retry:            fetchRetry,
		ProbeConcurrency: cfg.Sync.WorkerConcurrency,
	})
	fetcher := ingest.NewFetcher(a.Client, ingest.FetcherConfig{
		PageSize: cfg.Upstream.PageSize,
		Cap:      cfg.Upstream.ResultCap,
		MaxPages: cfg.Upstream.MaxPages,
		Retry:    fetchRetry,
	}, a.Metrics)
	merger := service.NewHistoryMerger(a.Repo, service.HistoryMergerConfig{
		ConflictRetryDelay: cfg.Sync.ConflictRetryDelay,
		Concurrency:        cfg.Sync.MergeConcurrency,
	}, a.Metrics)
	a.Detector = service.NewMovementDetector(a.Repo, service.NewJurisdictionDirectory(policy), service.DefaultRules(policy), cfg.Sync.MergeConcurrency, a.Metrics)
	a.Views = service.NewViewService(a.Repo)

	var locker storage.Locker = storage.NewMemoryLocker()
	if a.Redis != nil {
		locker = storage.NewRedisLocker(a.Redis, "")
	}

	a.Orchestrator = job.NewOrchestrator(job.Deps{
		Repo:     a.Repo,
		Planner:  planner,
		Fetcher:  fetcher,
		Merger:   merger,
		Detector: a.Detector,
		Locker:   locker,
		Sink:     a.buildSink(),
		Metrics:  a.Metrics,
	}, job.OrchestratorConfig{
		WorkerConcurrency: cfg.Sync.WorkerConcurrency,
		MinPartitionSpan:  cfg.Sync.MinPartitionSpan,
		DomainStart:       cfg.Sync.DomainStart,
		Jurisdictions:     cfg.Sync.Jurisdictions,
		LeaseTTL:          cfg.Sync.LeaseTTL,
		Retry:             fetchRetry,
	})

	return a, nil
}

// NewViewCache builds the jurisdiction cache. Its refreshes run incremental syncs
// through the orchestrator; with Redis enabled values are snapshotted for warm restarts.
func (a *App) NewViewCache() *cache.Cache[*service.JurisdictionView] {
	refresher := job.NewJurisdictionRefresher(a.Orchestrator, a.Views)
	c := cache.New[*service.JurisdictionView](cache.Config{
		TTL:       a.Config.Cache.TTL,
		Workers:   a.Config.Cache.RefreshWorkers,
		QueueSize: a.Config.Cache.QueueSize,
	}, refresher, a.Metrics)

	if a.Config.Cache.Backend == "redis" {
		if a.Redis == nil {
			a.Logger.Warn("Cache backend redis requested but Redis is disabled, using memory only")
		} else {
			c = c.WithSnapshots(storage.NewRedisSnapshotStore(a.Redis, "", 2*a.Config.Cache.TTL))
		}
	}
	return c
}

func (a *App) buildSink() events.Sink {
	if a.Config.Events.Sink != "clickhouse" {
		return events.LogSink{}
	}
	if a.ClickHouse == nil {
		a.Logger.Warn("Event sink clickhouse requested but ClickHouse is disabled, logging events only")
		return events.LogSink{}
	}
	a.eventSink = storage.NewBatchingEventSink(a.ClickHouse, 4096, 500, 2*time.Second, a.Logger)
	return events.FanOut{events.LogSink{}, a.eventSink}
}

// Close stops the pipeline and closes connections in reverse order of opening
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.eventSink != nil {
		a.eventSink.Close()
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
