package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// API is the subset of the S3 client a Bucket uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// RetryConfig bounds retries of transient object store failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Bucket performs keyed object operations against a single bucket.
type Bucket struct {
	api      API
	name     string
	executor failsafe.Executor[any]
	logger   *zap.Logger
}

// NewBucket creates a Bucket. Transient failures are retried with exponential backoff.
func NewBucket(api API, name string, retry RetryConfig, log *zap.Logger) *Bucket {
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}

	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(retry.BaseDelay, retry.MaxDelay).
		WithMaxRetries(retry.MaxRetries).
		HandleIf(func(_ any, err error) bool {
			return IsRetryable(err)
		}).
		Build()

	return &Bucket{
		api:      api,
		name:     name,
		executor: failsafe.With[any](policy),
		logger:   logger.OrNop(log).With(zap.String("bucket", name)),
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

func (b *Bucket) run(ctx context.Context, fn func() error) error {
	_, err := b.executor.WithContext(ctx).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Upload streams the local file at path to key.
func (b *Bucket) Upload(ctx context.Context, key, path, contentType string) error {
	err := b.run(ctx, func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
			Body:   f,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		_, err = b.api.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	b.logger.Debug("Uploaded object", zap.String("key", key))
	return nil
}

// Download writes the object at key to the local file at path. Returns ErrNotFound
// when the key does not exist.
func (b *Bucket) Download(ctx context.Context, key, path string) error {
	err := b.run(ctx, func() error {
		out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			f.Close()
			return fmt.Errorf("copy object body: %w", err)
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}

	return nil
}

// Delete removes the object at key. A missing key counts as deleted.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	err := b.run(ctx, func() error {
		_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
		})
		if err != nil && isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	b.logger.Debug("Deleted object", zap.String("key", key))
	return nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || isNotFound(err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying: network failures, throttling and
// server faults. Client faults, missing keys and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) || isNotFound(err) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
		return apiErr.ErrorFault() != smithy.FaultClient
	}

	return true
}
