package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putErrs   []error
	getErrs   []error
	delErrs   []error
	putCalls  int
	deleteLog []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if err := popErr(&f.putErrs); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.getErrs); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing", Fault: smithy.FaultClient}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.delErrs); err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.deleteLog = append(f.deleteLog, key)
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestBucket_UploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	bucket := NewBucket(api, "assets", fastRetry(), nil)
	dir := t.TempDir()

	src := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video-bytes"), 0o600))

	require.NoError(t, bucket.Upload(context.Background(), "premieres/p/1.mp4", src, "video/mp4"))

	dst := filepath.Join(dir, "out.mp4")
	require.NoError(t, bucket.Download(context.Background(), "premieres/p/1.mp4", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(got))
	assert.Equal(t, "assets", bucket.Name())
}

func TestBucket_UploadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.putErrs = []error{
		&smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultServer},
		errors.New("connection reset by peer"),
	}
	bucket := NewBucket(api, "assets", fastRetry(), nil)

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o600))

	require.NoError(t, bucket.Upload(context.Background(), "k", src, ""))
	assert.Equal(t, 3, api.putCalls)
	assert.Equal(t, []byte("abc"), api.objects["k"])
}

func TestBucket_UploadDoesNotRetryClientFaults(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.putErrs = []error{&smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}}
	bucket := NewBucket(api, "assets", fastRetry(), nil)

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o600))

	err := bucket.Upload(context.Background(), "k", src, "")
	require.Error(t, err)
	assert.Equal(t, 1, api.putCalls)
	assert.False(t, IsRetryable(err))
}

func TestBucket_DownloadMissingKey(t *testing.T) {
	t.Parallel()

	bucket := NewBucket(newFakeAPI(), "uploads", fastRetry(), nil)

	err := bucket.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestBucket_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.objects["a"] = []byte("x")
	api.delErrs = []error{nil, &smithy.GenericAPIError{Code: "NoSuchKey", Fault: smithy.FaultClient}}
	bucket := NewBucket(api, "assets", fastRetry(), nil)

	require.NoError(t, bucket.Delete(context.Background(), "a"))
	require.NoError(t, bucket.Delete(context.Background(), "a"))
	assert.NotContains(t, api.objects, "a")
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"not found sentinel", ErrNotFound, false},
		{"missing local file", os.ErrNotExist, false},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey", Fault: smithy.FaultClient}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, false},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultClient}, true},
		{"server fault", &smithy.GenericAPIError{Code: "Boom", Fault: smithy.FaultServer}, true},
		{"network", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
