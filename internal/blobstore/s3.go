// Package blobstore implements the core's BlobStore interface against any
// S3-compatible object store (AWS S3, Backblaze B2, Cloudflare R2) by
// overriding the endpoint and forcing path-style addressing where required.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/config"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
)

// Store is an S3-compatible BlobStore adapter.
type Store struct {
	client     *s3.Client
	bucket     string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New builds a Store from the blobstore section of the application config.
func New(ctx context.Context, cfg config.BlobStoreConfig) (*Store, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(creds),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}, nil
}

// Put uploads data under key, retrying transient failures with exponential backoff.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.withRetry(ctx, "put", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.withRetry(ctx, "get", func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		b, err := io.ReadAll(out.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	err := s.withRetry(ctx, "head", func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// List returns all keys under prefix, paginating transparently.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string

	for {
		var page *s3.ListObjectsV2Output
		err := s.withRetry(ctx, "list", func() error {
			out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuationToken,
			})
			if err != nil {
				return err
			}
			page = out
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuationToken = page.NextContinuationToken
	}
	return keys, nil
}

// withRetry runs op, retrying transient failures (429, 5xx, network reset)
// with exponential backoff up to maxRetries. Non-transient errors surface
// immediately.
func (s *Store) withRetry(ctx context.Context, operation string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		start := time.Now()
		err := op()
		duration := time.Since(start)

		if err == nil {
			metrics.BlobStoreOperationDuration.WithLabelValues(operation, "ok").Observe(duration.Seconds())
			return nil
		}

		lastErr = err
		if isNotFound(err) || !isTransient(err) {
			metrics.BlobStoreOperationDuration.WithLabelValues(operation, "error").Observe(duration.Seconds())
			return wrapFailure(err)
		}

		metrics.BlobStoreOperationDuration.WithLabelValues(operation, "retry").Observe(duration.Seconds())
		if attempt == s.maxRetries {
			break
		}

		delay := time.Duration(math.Min(
			float64(s.baseDelay)*math.Pow(2, float64(attempt)),
			float64(s.maxDelay),
		))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return wrapFailure(lastErr)
}

func wrapFailure(err error) error {
	return fmt.Errorf("%w: %w", errs.ErrStorageFailure, err)
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func isTransient(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	// Unclassified errors (DNS failures, connection resets) are treated as
	// transient; the bounded retry count still converges.
	return true
}
