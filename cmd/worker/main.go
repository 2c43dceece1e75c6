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
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/queue"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/transcode"
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

	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Worker failed", zap.Error(err))
	}
	log.Info("Worker stopped")
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	pool, err := bootstrap.OpenDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close(pool)

	objects, err := bootstrap.OpenStorage(ctx, cfg.Storage, log)
	if err != nil {
		return err
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

	worker := transcode.NewWorker(
		objects.Uploads,
		objects.Assets,
		repository.NewPremiereRepository(pool),
		jobs,
		db.NewTxManager(pool),
		transcode.NewFFmpeg(cfg.Transcode.FFmpegPath, cfg.Transcode.FFprobePath, transcode.DefaultEncodeSettings()),
		cfg.Transcode.TempDir,
		log,
	)

	id := workerID()
	log.Info("Transcode worker starting",
		zap.String("worker_id", id),
		zap.Int("concurrency", cfg.Transcode.Concurrency),
		zap.Bool("asynq", cfg.Redis.URL != ""))

	g, ctx := errgroup.WithContext(ctx)

	checks := bootstrap.HealthChecks(pool, nil, ops)
	opsSrv := bootstrap.OpsServer(cfg.Server.Port, m, checks, log)
	g.Go(func() error {
		return bootstrap.Serve(ctx, opsSrv, cfg.Server.ShutdownTimeout, log)
	})

	if cfg.Redis.URL != "" {
		handler := queue.NewTranscodeHandler(jobs, worker.Run, id, log)
		srv, err := queue.NewServer(cfg.Redis.URL, cfg.Transcode.Concurrency, cfg.Transcode.Queue, handler, log)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start task server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			srv.Stop()
			return nil
		})
	} else {
		poller := queue.NewPoller(jobs, worker.Run, id, cfg.Transcode.Concurrency, log)
		g.Go(func() error {
			poller.Run(ctx)
			return nil
		})
	}

	return g.Wait()
}
