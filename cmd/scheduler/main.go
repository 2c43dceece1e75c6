package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/bootstrap"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Log

	if err := cfg.ValidateScheduler(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Scheduler failed", zap.Error(err))
	}
	log.Info("Scheduler stopped gracefully")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	policy, err := cfg.Lifecycle.Policy()
	if err != nil {
		return err
	}

	pool, err := bootstrap.OpenDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close(pool)

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	objects, err := bootstrap.OpenStorage(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}

	sender, err := bootstrap.NewWebPush(cfg.Push)
	if err != nil {
		return fmt.Errorf("failed to configure web push: %w", err)
	}

	ops, closeOps := bootstrap.OpenOps(&cfg.RabbitMQ, log)
	defer func() { _ = closeOps() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jobs, closeQueue, err := bootstrap.JobQueue(pool, cfg, m, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()
	jobs.Hooks().RegisterCallback(service.ExhaustedHook(ops))

	premiereRepo := repository.NewPremiereRepository(pool)
	clk := clock.New()

	enforcer := service.NewEnforcer(
		premiereRepo,
		objects.Assets,
		objects.Covers,
		ops,
		bootstrap.Locker(rdb),
		m,
		clk,
		policy,
		service.EnforcerConfig{BatchSize: cfg.Lifecycle.SweepBatch, LockTTL: cfg.Lifecycle.SweepLockTTL},
		log,
	)
	dispatcher := service.NewDispatcher(
		premiereRepo,
		repository.NewPushSubscriptionRepository(pool),
		sender,
		m,
		clk,
		policy,
		service.DispatcherConfig{Lookahead: cfg.Lifecycle.DispatchLookahead, PublicURL: cfg.Push.PublicURL},
		log,
	)

	sched := NewScheduler(log)
	sched.Every("cleanup_sweep", cfg.Lifecycle.SweepInterval, sweepTask(enforcer, log))
	sched.Every("dispatch_due", cfg.Lifecycle.DispatchInterval, dispatchTask(dispatcher, clk.Now, log))
	sched.Every("recover_jobs", cfg.Lifecycle.RecoverInterval, recoverTask(jobs, log))

	log.Info("Premiere scheduler starting",
		zap.Duration("sweep_interval", cfg.Lifecycle.SweepInterval),
		zap.Duration("dispatch_interval", cfg.Lifecycle.DispatchInterval),
		zap.Duration("recover_interval", cfg.Lifecycle.RecoverInterval),
		zap.Bool("distributed_lock", rdb != nil))

	g, ctx := errgroup.WithContext(ctx)
	opsSrv := bootstrap.OpsServer(cfg.Server.Port, m, bootstrap.HealthChecks(pool, rdb, ops), log)
	g.Go(func() error {
		return bootstrap.Serve(ctx, opsSrv, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})

	return g.Wait()
}
