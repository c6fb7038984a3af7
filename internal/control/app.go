// Package control assembles the application: storage, queues, locks, chain
// adapters, the pipeline workers and the HTTP surface, with a graceful
// start/stop lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/udeposit/internal/api"
	"github.com/vietddude/udeposit/internal/core/config"
	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/chain"
	"github.com/vietddude/udeposit/internal/infra/chain/evm"
	"github.com/vietddude/udeposit/internal/infra/chain/sim"
	redisclient "github.com/vietddude/udeposit/internal/infra/redis"
	"github.com/vietddude/udeposit/internal/infra/storage"
	"github.com/vietddude/udeposit/internal/infra/storage/memory"
	"github.com/vietddude/udeposit/internal/infra/storage/postgres"
	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/deploy"
	"github.com/vietddude/udeposit/internal/pipeline/detector"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
	"github.com/vietddude/udeposit/internal/pipeline/recovery"
	"github.com/vietddude/udeposit/internal/pipeline/settle"
	"github.com/vietddude/udeposit/internal/pipeline/verify"
	"github.com/vietddude/udeposit/internal/quote"
)

// App owns every long-running component of the deposit pipeline.
type App struct {
	cfg *config.AppConfig

	db          *postgres.DB
	redisClient *redisclient.Client
	redisQueue  *redisclient.Queue
	redisLocks  *redisclient.LockService
	evmAdapters []*evm.Adapter

	queue pipeline.Queue
	locks pipeline.Locker

	detector  *detector.Detector
	deployer  *deploy.Worker
	settler   *settle.Worker
	verifier  *verify.Verifier
	sweeper   *recovery.Sweeper
	apiServer *api.Server

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewApp wires all dependencies from configuration. Postgres and Redis are
// optional: without them the app runs on in-process storage and queues,
// which only makes sense for a single instance.
func NewApp(cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default().With("component", "app")}

	// 1. Storage
	var orderRepo storage.OrderRepository
	var regRepo storage.RegistrationRepository

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		app.db = db

		// Goose needs the *sql.DB that sqlx wraps.
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		orderRepo = postgres.NewOrderRepo(db)
		regRepo = postgres.NewRegistrationRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		orderRepo = memory.NewOrderRepo()
		regRepo = memory.NewRegistrationRepo()
		slog.Info("Using Memory storage")
	}

	// 2. Queue and locks
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		app.redisClient = client
		app.redisQueue = redisclient.NewQueue(client)
		app.redisLocks = redisclient.NewLockService(client)
		app.queue = app.redisQueue
		app.locks = app.redisLocks
		slog.Info("Using Redis queues and locks")
	} else {
		app.queue = memory.NewQueue()
		app.locks = memory.NewLockService()
		slog.Info("Using Memory queues and locks")
	}

	// 3. Chain adapters
	adapters := make(map[domain.ChainID]chain.Adapter)
	tokens := make(map[domain.ChainID][]string)
	simWorld := sim.NewWorld()

	for _, chainCfg := range cfg.Chains {
		if chainCfg.Type == "sim" {
			adapters[chainCfg.ChainID] = sim.NewAdapter(chainCfg.ChainID, simWorld)
			slog.Info("Using simulated chain adapter", "chain", chainCfg.ChainID)
		} else {
			operatorKey := os.Getenv("OPERATOR_PRIVATE_KEY")
			if operatorKey == "" {
				return nil, fmt.Errorf("OPERATOR_PRIVATE_KEY is required for evm chain %d", chainCfg.ChainID)
			}
			adapter, err := evm.NewAdapter(chainCfg.ChainID, chainCfg.RPCURL, chainCfg.ExplorerURL, operatorKey)
			if err != nil {
				return nil, fmt.Errorf("failed to init adapter for chain %d: %w", chainCfg.ChainID, err)
			}
			adapters[chainCfg.ChainID] = adapter
			app.evmAdapters = append(app.evmAdapters, adapter)
		}
		tokens[chainCfg.ChainID] = chainCfg.Tokens
	}

	// 4. Quote aggregator
	aggregator := quote.NewHTTPClient(cfg.Aggregator.URL, cfg.Aggregator.Timeout)

	// 5. Pipeline workers
	pl := cfg.Pipeline
	app.detector = detector.New(regRepo, orderRepo, app.queue, adapters, tokens, pl.DetectInterval)
	app.deployer = deploy.New(orderRepo, app.queue, app.locks, adapters, pl.ProcessingLockTTL)
	app.settler = settle.New(orderRepo, app.queue, app.locks, adapters, aggregator, cfg.Aggregator.Slippage, pl.ProcessingLockTTL)
	app.verifier = verify.New(orderRepo, regRepo, app.queue, app.locks, adapters,
		pl.CheckBalanceInterval, pl.MaxVerificationTime, pl.ProcessingLockTTL, pl.MonitorLockTTL)
	app.sweeper = recovery.New(app.queue, pl.RecoverInterval, pl.ProcessingTimeout)

	// 6. HTTP surface
	checks := map[string]api.HealthCheck{}
	if app.db != nil {
		checks["database"] = app.db.Health
	}
	if app.redisClient != nil {
		checks["redis"] = app.redisClient.Health
	}
	app.apiServer = api.NewServer(orderRepo, regRepo, checks, cfg.Server.Port)

	return app, nil
}

// Start launches every component. Workers stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.apiServer.Start(); err != nil {
			a.log.Error("API server failed", "error", err)
		}
	}()

	for name, run := range map[string]func(context.Context){
		"detector": a.detector.Run,
		"deploy":   a.deployer.Run,
		"settle":   a.settler.Run,
		"verify":   a.verifier.Run,
		"recovery": a.sweeper.Run,
	} {
		a.log.Info("Starting worker", "worker", name)
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(ctx)
		}(run)
	}

	if a.redisQueue != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runQueueDepthUpdater(ctx)
		}()
	}

	return nil
}

// Stop waits for workers to drain, releases any locks this instance still
// holds and closes all connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping...")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Workers did not drain before deadline")
	}

	if a.redisLocks != nil {
		if err := a.redisLocks.ReleaseHeld(ctx); err != nil {
			a.log.Warn("Failed to release locks on shutdown", "error", err)
		}
	}

	if a.redisQueue != nil {
		if err := a.redisQueue.Close(); err != nil {
			a.log.Warn("Failed to close queue subscriptions", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	for _, adapter := range a.evmAdapters {
		adapter.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return a.apiServer.Stop(ctx)
}

func (a *App) runQueueDepthUpdater(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stage := range domain.Stages {
				depth, err := a.redisQueue.Length(ctx, stage)
				if err != nil {
					continue
				}
				metrics.QueueDepth.WithLabelValues(string(stage)).Set(float64(depth))
			}
		}
	}
}
