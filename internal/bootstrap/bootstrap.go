// Package bootstrap builds the dependencies shared by the server, worker and scheduler
// binaries from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/handler"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/push"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/queue"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/storage"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// OpenDatabase connects the pgx pool, from cfg.URL when set, and logs its limits.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)
	if cfg.URL != "" {
		pool, err = db.NewPoolFromURL(ctx, cfg.URL, cfg.PoolConfig())
	} else {
		pool, err = db.NewPool(ctx, cfg.PoolConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.OrNop(log).Info("Database connection established",
		zap.String("host", pool.Config().ConnConfig.Host),
		zap.Int32("max_conns", pool.Config().MaxConns))
	return pool, nil
}

// Storage holds the object store client and the three buckets of the pipeline.
type Storage struct {
	Client  *s3.Client
	Uploads *storage.Bucket
	Assets  *storage.Bucket
	Covers  *storage.Bucket
}

// OpenStorage builds the S3 client and its buckets.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (*Storage, error) {
	client, err := storage.NewClient(ctx, storage.Config{
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	retry := storage.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	return &Storage{
		Client:  client,
		Uploads: storage.NewBucket(client, cfg.UploadBucket, retry, log),
		Assets:  storage.NewBucket(client, cfg.AssetBucket, retry, log),
		Covers:  storage.NewBucket(client, cfg.CoverBucket, retry, log),
	}, nil
}

// Presigner issues upload URLs for the raw upload and cover buckets.
func (s *Storage) Presigner(cfg config.StorageConfig) *storage.Presigner {
	prefixes := map[string]string{
		cfg.UploadBucket: cfg.UploadPrefix,
		cfg.CoverBucket:  cfg.CoverPrefix,
	}
	return storage.NewPresigner(s3.NewPresignClient(s.Client), prefixes, cfg.PresignTTL, nil)
}

// OpenRedis returns a client for cfg, or nil when Redis is not configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := queue.RedisOptions(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Locker returns a Redis-backed sweep lock, or nil without Redis.
func Locker(client *redis.Client) service.Locker {
	if client == nil {
		return nil
	}
	return service.NewRedisLocker(client)
}

// OpenOps connects the operator channel. Without a RabbitMQ host, or when the broker is
// unreachable at startup, events are logged instead. The returned close func is never nil.
func OpenOps(cfg *config.RabbitMQConfig, log *zap.Logger) (service.OpsNotifier, func() error) {
	log = logger.OrNop(log)
	if cfg == nil || cfg.Host == "" {
		log.Info("RabbitMQ not configured, operator events will be logged")
		return service.NewLogNotifier(log), func() error { return nil }
	}

	pub, err := service.NewOpsPublisher(cfg, log)
	if err != nil {
		log.Warn("Failed to connect to RabbitMQ, operator events will be logged", zap.Error(err))
		return service.NewLogNotifier(log), func() error { return nil }
	}
	return pub, pub.Close
}

// NewWebPush builds the Web Push sender.
func NewWebPush(cfg config.PushConfig) (*push.WebPushSender, error) {
	return push.NewWebPushSender(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.Subscriber,
		TTL:             cfg.TTL,
		Timeout:         cfg.Timeout,
	})
}

// QueueConfig converts the transcode settings for the job queue.
func QueueConfig(cfg config.TranscodeConfig) queue.Config {
	qc := queue.DefaultConfig()
	qc.Lease = cfg.Lease
	qc.RenewInterval = cfg.LeaseRenew
	qc.PollInterval = cfg.PollInterval
	qc.MaxAttempts = cfg.MaxAttempts
	if cfg.BackoffBase > 0 {
		qc.Backoff.Base = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		qc.Backoff.Max = cfg.BackoffMax
	}
	return qc
}

// JobQueue builds the ledger-backed queue. With a Redis URL, enqueued jobs are also
// announced over asynq. The returned close func is never nil.
func JobQueue(
	pool *pgxpool.Pool,
	cfg *config.Config,
	m *metrics.Metrics,
	log *zap.Logger,
) (*queue.JobQueue, func() error, error) {
	closeFn := func() error { return nil }

	var announcer queue.Announcer
	if cfg.Redis.URL != "" {
		client, err := queue.NewClient(cfg.Redis.URL, queue.ClientConfig{
			Queue:       cfg.Transcode.Queue,
			TaskTimeout: cfg.Transcode.TaskTimeout,
		}, log)
		if err != nil {
			return nil, closeFn, err
		}
		announcer = client
		closeFn = client.Close
	}

	q := queue.NewJobQueue(
		repository.NewTranscodeJobRepository(pool),
		announcer,
		nil,
		m,
		nil,
		QueueConfig(cfg.Transcode),
		log,
	)
	return q, closeFn, nil
}

// HealthChecks probes the database and, when present, Redis and the operator channel.
func HealthChecks(pool *pgxpool.Pool, rdb *redis.Client, ops service.OpsNotifier) []handler.HealthCheck {
	var checks []handler.HealthCheck
	if pool != nil {
		checks = append(checks, handler.HealthCheck{Name: "database", Check: pool.Ping})
	}
	if rdb != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if pub, ok := ops.(*service.OpsPublisher); ok {
		checks = append(checks, handler.HealthCheck{Name: "rabbitmq", Check: func(context.Context) error {
			if !pub.IsHealthy() {
				return errors.New("connection closed")
			}
			return nil
		}})
	}
	return checks
}

// OpsServer serves health probes and metrics for the binaries without a public API.
func OpsServer(port int, m *metrics.Metrics, checks []handler.HealthCheck, log *zap.Logger) *http.Server {
	router := handler.NewRouter(
		handler.Handlers{Health: handler.NewHealthHandler(checks...)},
		handler.RouterConfig{Metrics: m, Logger: log},
	)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.Logger) error {
	log = logger.OrNop(log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
