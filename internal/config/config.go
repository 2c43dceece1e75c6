// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
)

// Config holds all configuration for the application.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Storage   StorageConfig
	Transcode TranscodeConfig
	Lifecycle LifecycleConfig
	Push      PushConfig
	Auth      AuthConfig
	Logging   LoggingConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// DatabaseConfig contains database connection configuration.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type DatabaseConfig struct {
	// URL, when set, replaces the discrete connection fields.
	URL            string
	Host           string
	Name           string
	User           string
	Password       string
	Port           int
	MaxConnections int
	MinConnections int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
}

// DSN builds the pgx connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// PoolConfig converts the settings for db.NewPool.
func (c DatabaseConfig) PoolConfig() *db.Config {
	return &db.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Name,
		SSLMode:         "disable",
		MaxConns:        int32(c.MaxConnections),
		MinConns:        int32(c.MinConnections),
		MaxConnLifetime: c.MaxLifetime,
		MaxConnIdleTime: c.MaxIdleTime,
	}
}

// RedisConfig locates the Redis instance backing asynq and the sweep lock.
// An empty URL disables both; workers then poll the ledger.
type RedisConfig struct {
	URL string
}

// RabbitMQConfig contains the operator channel connection. An empty Host disables it.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type RabbitMQConfig struct {
	Host       string
	User       string
	Password   string
	Exchange   string
	Queue      string
	RoutingKey string
	Port       int
}

// StorageConfig describes the S3-compatible object store and its buckets.
type StorageConfig struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UploadBucket string
	AssetBucket  string
	CoverBucket  string
	UploadPrefix string
	CoverPrefix  string
	PresignTTL   time.Duration
	MaxRetries   int
}

// TranscodeConfig controls workers and the job ledger.
type TranscodeConfig struct {
	FFmpegPath   string
	FFprobePath  string
	TempDir      string
	Concurrency  int
	Queue        string
	MaxAttempts  int
	Lease        time.Duration
	LeaseRenew   time.Duration
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	TaskTimeout  time.Duration
}

// LifecycleConfig holds the visibility windows and the scheduler cadence.
type LifecycleConfig struct {
	SoonWindow        time.Duration
	GraceWindow       time.Duration
	SweepInterval     time.Duration
	SweepBatch        int
	SweepLockTTL      time.Duration
	DispatchInterval  time.Duration
	DispatchLookahead time.Duration
	RecoverInterval   time.Duration
}

// Policy builds the lifecycle policy shared by every component.
func (c LifecycleConfig) Policy() (lifecycle.Policy, error) {
	return lifecycle.Policy{SoonWindow: c.SoonWindow, GraceWindow: c.GraceWindow}.Normalize()
}

// PushConfig contains VAPID credentials for Web Push.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             time.Duration
	Timeout         time.Duration
	PublicURL       string
}

// AuthConfig contains the shared secrets guarding the API.
type AuthConfig struct {
	APIKeys       []string
	CleanupSecret string
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string
	File  string
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// APP_AUTH_APIKEYS may carry padded or empty comma-separated entries.
	cfg.Auth.APIKeys = splitList(cfg.Auth.APIKeys)

	return &cfg, nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ValidateServer checks the settings cmd/server needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if len(c.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("auth.apikeys must contain at least one key"))
	}
	if c.Auth.CleanupSecret == "" {
		errs = append(errs, errors.New("auth.cleanupsecret is required"))
	}
	if c.Storage.UploadBucket == "" || c.Storage.CoverBucket == "" {
		errs = append(errs, errors.New("storage.uploadbucket and storage.coverbucket are required"))
	}
	errs = append(errs, c.validateShared()...)
	return errors.Join(errs...)
}

// ValidateWorker checks the settings cmd/worker needs.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.Storage.UploadBucket == "" || c.Storage.AssetBucket == "" {
		errs = append(errs, errors.New("storage.uploadbucket and storage.assetbucket are required"))
	}
	if c.Transcode.Concurrency <= 0 {
		errs = append(errs, errors.New("transcode.concurrency must be positive"))
	}
	errs = append(errs, c.validateShared()...)
	return errors.Join(errs...)
}

// ValidateScheduler checks the settings cmd/scheduler needs.
func (c *Config) ValidateScheduler() error {
	var errs []error
	if c.Storage.AssetBucket == "" || c.Storage.CoverBucket == "" {
		errs = append(errs, errors.New("storage.assetbucket and storage.coverbucket are required"))
	}
	if c.Lifecycle.SweepInterval <= 0 || c.Lifecycle.DispatchInterval <= 0 || c.Lifecycle.RecoverInterval <= 0 {
		errs = append(errs, errors.New("lifecycle intervals must be positive"))
	}
	errs = append(errs, c.validateShared()...)
	return errors.Join(errs...)
}

func (c *Config) validateShared() []error {
	var errs []error
	if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "") {
		errs = append(errs, errors.New("database.host and database.name are required"))
	}
	if _, err := c.Lifecycle.Policy(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.shutdowntimeout", 30*time.Second)
	viper.SetDefault("server.maxbodybytes", 1048576) // 1MB

	// Database
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "premieres")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.maxconnections", 10)
	viper.SetDefault("database.minconnections", 2)
	viper.SetDefault("database.maxidletime", 10*time.Minute)
	viper.SetDefault("database.maxlifetime", 1*time.Hour)

	// Redis
	viper.SetDefault("redis.url", "")

	// RabbitMQ
	viper.SetDefault("rabbitmq.host", "")
	viper.SetDefault("rabbitmq.port", 5672)
	viper.SetDefault("rabbitmq.user", "guest")
	viper.SetDefault("rabbitmq.password", "guest")
	viper.SetDefault("rabbitmq.exchange", "premieres.ops")
	viper.SetDefault("rabbitmq.queue", "premieres.ops.alerts")
	viper.SetDefault("rabbitmq.routingkey", "ops.#")

	// Storage
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.endpoint", "")
	viper.SetDefault("storage.accesskey", "")
	viper.SetDefault("storage.secretkey", "")
	viper.SetDefault("storage.uploadbucket", "premiere-uploads")
	viper.SetDefault("storage.assetbucket", "premiere-assets")
	viper.SetDefault("storage.coverbucket", "premiere-covers")
	viper.SetDefault("storage.uploadprefix", "raw")
	viper.SetDefault("storage.coverprefix", "covers")
	viper.SetDefault("storage.presignttl", 5*time.Minute)
	viper.SetDefault("storage.maxretries", 3)

	// Transcode
	viper.SetDefault("transcode.ffmpegpath", "ffmpeg")
	viper.SetDefault("transcode.ffprobepath", "ffprobe")
	viper.SetDefault("transcode.tempdir", "")
	viper.SetDefault("transcode.concurrency", 2)
	viper.SetDefault("transcode.queue", "transcode")
	viper.SetDefault("transcode.maxattempts", 5)
	viper.SetDefault("transcode.lease", 15*time.Minute)
	viper.SetDefault("transcode.leaserenew", 5*time.Minute)
	viper.SetDefault("transcode.pollinterval", 2*time.Second)
	viper.SetDefault("transcode.backoffbase", 30*time.Second)
	viper.SetDefault("transcode.backoffmax", 30*time.Minute)
	viper.SetDefault("transcode.tasktimeout", 2*time.Hour)

	// Lifecycle
	viper.SetDefault("lifecycle.soonwindow", lifecycle.DefaultSoonWindow)
	viper.SetDefault("lifecycle.gracewindow", lifecycle.DefaultGraceWindow)
	viper.SetDefault("lifecycle.sweepinterval", 5*time.Minute)
	viper.SetDefault("lifecycle.sweepbatch", 100)
	viper.SetDefault("lifecycle.sweeplockttl", 10*time.Minute)
	viper.SetDefault("lifecycle.dispatchinterval", 15*time.Second)
	viper.SetDefault("lifecycle.dispatchlookahead", 0)
	viper.SetDefault("lifecycle.recoverinterval", 1*time.Minute)

	// Push
	viper.SetDefault("push.vapidpublickey", "")
	viper.SetDefault("push.vapidprivatekey", "")
	viper.SetDefault("push.subscriber", "mailto:ops@example.com")
	viper.SetDefault("push.ttl", 1*time.Hour)
	viper.SetDefault("push.timeout", 10*time.Second)
	viper.SetDefault("push.publicurl", "")

	// Auth
	viper.SetDefault("auth.apikeys", []string{})
	viper.SetDefault("auth.cleanupsecret", "")

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")
}
