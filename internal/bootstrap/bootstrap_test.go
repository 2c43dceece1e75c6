package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/config"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestOpenOps_FallsBackToLog(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.RabbitMQConfig
	}{
		{name: "nil config"},
		{name: "empty host", cfg: &config.RabbitMQConfig{Exchange: "ops"}},
		{name: "unreachable broker", cfg: &config.RabbitMQConfig{Host: "127.0.0.1", Port: 1, User: "guest", Password: "guest", Exchange: "ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, closeFn := OpenOps(tt.cfg, zap.NewNop())
			require.NotNil(t, closeFn)
			assert.IsType(t, &service.LogNotifier{}, ops)
			assert.NoError(t, closeFn())
		})
	}
}

func TestOpenDatabase_RejectsMalformedURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := OpenDatabase(ctx, config.DatabaseConfig{
		URL:            "postgres://app@db:notaport/premieres",
		MaxConnections: 2,
	}, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, pool)
	assert.Contains(t, err.Error(), "parse database URL")
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without URL", func(t *testing.T) {
		client, err := OpenRedis(ctx, config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, client)
		assert.Nil(t, Locker(client))
	})

	t.Run("connects and pings", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := OpenRedis(ctx, config.RedisConfig{URL: "redis://" + mr.Addr()})
		require.NoError(t, err)
		require.NotNil(t, client)
		t.Cleanup(func() { _ = client.Close() })
		assert.NotNil(t, Locker(client))
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := OpenRedis(ctx, config.RedisConfig{URL: "redis://" + addr})
		assert.Error(t, err)
	})
}

func TestQueueConfig(t *testing.T) {
	qc := QueueConfig(config.TranscodeConfig{
		Lease:        5 * time.Minute,
		LeaseRenew:   time.Minute,
		PollInterval: time.Second,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
	})

	assert.Equal(t, 5*time.Minute, qc.Lease)
	assert.Equal(t, time.Minute, qc.RenewInterval)
	assert.Equal(t, time.Second, qc.PollInterval)
	assert.Equal(t, 3, qc.MaxAttempts)
	assert.Equal(t, time.Second, qc.Backoff.Base)
	assert.Equal(t, time.Minute, qc.Backoff.Max)
	assert.Equal(t, float64(2), qc.Backoff.Multiplier)
}

func TestOpenStorage(t *testing.T) {
	cfg := config.StorageConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		AccessKey:    "minio",
		SecretKey:    "minio123",
		UploadBucket: "uploads",
		AssetBucket:  "assets",
		CoverBucket:  "covers",
		UploadPrefix: "raw",
		CoverPrefix:  "covers",
		PresignTTL:   time.Minute,
	}

	s, err := OpenStorage(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "uploads", s.Uploads.Name())
	assert.Equal(t, "assets", s.Assets.Name())
	assert.Equal(t, "covers", s.Covers.Name())

	up, err := s.Presigner(cfg).PresignUpload(context.Background(), "covers", "art.png", "image/png")
	require.NoError(t, err)
	assert.Contains(t, up.URL, "localhost:9000/covers/covers/")
}

func TestHealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	checks := HealthChecks(nil, client, service.NewLogNotifier(nil))
	require.Len(t, checks, 1)
	assert.Equal(t, "redis", checks[0].Name)
	assert.NoError(t, checks[0].Check(context.Background()))

	mr.Close()
	assert.Error(t, checks[0].Check(context.Background()))
}

func TestOpsServer(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	srv := OpsServer(9091, m, nil, zap.NewNop())
	assert.Equal(t, ":9091", srv.Addr)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, time.Second, zap.NewNop()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
