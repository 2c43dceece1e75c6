package storage

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
)

// DefaultPresignTTL is how long an issued upload URL stays valid.
const DefaultPresignTTL = 5 * time.Minute

// PresignAPI is the subset of s3.PresignClient the Presigner uses.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// PresignedUpload is a short-lived direct-write grant for one object.
type PresignedUpload struct {
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Key       string      `json:"key"`
	Bucket    string      `json:"bucket"`
	Headers   http.Header `json:"headers,omitempty"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Presigner issues presigned PUT URLs for a fixed set of buckets, each with its own key prefix.
type Presigner struct {
	api      PresignAPI
	prefixes map[string]string
	ttl      time.Duration
	clock    clock.Clock
}

// NewPresigner creates a Presigner. prefixes maps each allowed bucket to the key prefix
// issued objects land under.
func NewPresigner(api PresignAPI, prefixes map[string]string, ttl time.Duration, clk clock.Clock) *Presigner {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	copied := make(map[string]string, len(prefixes))
	for bucket, prefix := range prefixes {
		copied[bucket] = strings.Trim(prefix, "/")
	}
	return &Presigner{api: api, prefixes: copied, ttl: ttl, clock: clk}
}

// PresignUpload issues a URL the client can PUT fileName's bytes to. The object key is
// generated; only the extension of fileName is kept.
func (p *Presigner) PresignUpload(ctx context.Context, bucket, fileName, contentType string) (*PresignedUpload, error) {
	const op = "presign upload"

	prefix, ok := p.prefixes[bucket]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("bucket %q is not accepted for uploads", bucket))
	}
	if strings.TrimSpace(fileName) == "" {
		return nil, apperr.Validation("file_name is required")
	}
	if strings.TrimSpace(contentType) == "" {
		return nil, apperr.Validation("content_type is required")
	}

	key := uuid.NewString() + strings.ToLower(filepath.Ext(fileName))
	if prefix != "" {
		key = prefix + "/" + key
	}

	issuedAt := p.clock.Now()
	req, err := p.api.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	return &PresignedUpload{
		URL:       req.URL,
		Method:    req.Method,
		Key:       key,
		Bucket:    bucket,
		Headers:   req.SignedHeader,
		ExpiresAt: issuedAt.Add(p.ttl),
	}, nil
}
