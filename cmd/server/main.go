package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/bootstrap"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/handler"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/middleware"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/validation"
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

	if err := cfg.ValidateServer(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
	log.Info("Server stopped")
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
	subscriptionRepo := repository.NewPushSubscriptionRepository(pool)
	validator := validation.New(cfg.Storage.UploadPrefix)

	premieres := service.NewPremiereService(
		premiereRepo,
		subscriptionRepo,
		jobs,
		db.NewTxManager(pool),
		validator,
		nil,
		policy,
		log,
	)
	enforcer := service.NewEnforcer(
		premiereRepo,
		objects.Assets,
		objects.Covers,
		ops,
		bootstrap.Locker(rdb),
		m,
		nil,
		policy,
		service.EnforcerConfig{BatchSize: cfg.Lifecycle.SweepBatch, LockTTL: cfg.Lifecycle.SweepLockTTL},
		log,
	)
	dispatcher := service.NewDispatcher(
		premiereRepo,
		subscriptionRepo,
		sender,
		m,
		nil,
		policy,
		service.DispatcherConfig{Lookahead: cfg.Lifecycle.DispatchLookahead, PublicURL: cfg.Push.PublicURL},
		log,
	)

	router := handler.NewRouter(handler.Handlers{
		Premieres: handler.NewPremiereHandler(premieres, log),
		Uploads:   handler.NewUploadHandler(objects.Presigner(cfg.Storage), log),
		Push:      handler.NewPushHandler(premieres, dispatcher, validator, log),
		Cleanup:   handler.NewCleanupHandler(enforcer, log),
		Jobs:      handler.NewJobHandler(jobs, log),
		Health:    handler.NewHealthHandler(bootstrap.HealthChecks(pool, rdb, ops)...),
	}, handler.RouterConfig{
		APIAuth:      middleware.NewAPIKeyAuth(cfg.Auth.APIKeys, log).Handler(),
		CleanupAuth:  middleware.BearerSecret(cfg.Auth.CleanupSecret, log),
		Metrics:      m,
		Logger:       log,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("Premiere API starting",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("redis", rdb != nil),
		zap.Duration("grace_window", policy.GraceWindow))

	return bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log)
}
