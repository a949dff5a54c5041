// Package storage persists captured frames. Uploads to an S3-compatible
// bucket are best-effort; local saves with a metadata sidecar are the
// guaranteed fallback and must not depend on anything remote.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// StorageError wraps a failed storage operation with enough context to log.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ObjectConfig contains the remote bucket configuration.
type ObjectConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// Prefix is prepended to every object key, so one bucket can hold
	// frames from several installations.
	Prefix string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; the client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// ObjectMetrics tracks upload activity.
type ObjectMetrics struct {
	TotalUploads atomic.Uint64
	UploadBytes  atomic.Uint64
	UploadErrors atomic.Uint64
}

// ObjectStore uploads frames to an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
	config ObjectConfig
	logger *zap.Logger

	metrics ObjectMetrics
}

// NewObjectStore builds the client and ensures the bucket exists.
func NewObjectStore(config ObjectConfig) (*ObjectStore, error) {
	if config.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	} else if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}

	store := &ObjectStore{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
		config: config,
		logger: zap.L().Named("object-store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
		store.logger.Info("created bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// Upload pushes one frame to the bucket and returns its object key. Retries
// rewind the in-memory reader, so partial sends cannot corrupt the object.
func (s *ObjectStore) Upload(ctx context.Context, image []byte, filename string, meta Metadata) (string, error) {
	key := filename
	if s.prefix != "" {
		key = path.Join(s.prefix, filename)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	putOpts := minio.PutObjectOptions{
		ContentType:  "image/jpeg",
		UserMetadata: meta.labels(),
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if s.config.RetryBackoff > 0 {
			ebo.InitialInterval = s.config.RetryBackoff
		}
		ebo.Reset()
		if s.config.MaxRetries > 0 {
			return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
		}
		return ebo
	}

	reader := bytes.NewReader(image)
	op := func() error {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(image)), putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("frame uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return "", &StorageError{Op: "upload", Key: key, Err: err}
	}
	return key, nil
}

// GetMetrics returns upload metrics.
func (s *ObjectStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads": s.metrics.TotalUploads.Load(),
		"upload_bytes":  s.metrics.UploadBytes.Load(),
		"upload_errors": s.metrics.UploadErrors.Load(),
	}
}
