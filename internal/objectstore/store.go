// Package objectstore is the gateway to object storage. Chunks and thumbnails are written, signed,
// read and deleted through Store; MinIO and Google Cloud Storage backends are provided.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/config"
)

var ErrNotFound = errors.New("objectstore: object not found")

var tracer = otel.Tracer("video-chunk-pipeline/objectstore")

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Store is implemented by every storage backend. Put overwrites an existing key.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// ObjectURL is the unsigned, permanent address of key.
	ObjectURL(bucket, key string) string
}

// New builds the backend selected by STORAGE_BACKEND. The MinIO backend makes sure the bucket exists.
func New(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "minio":
		s, err := NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, log)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx, cfg.Bucket); err != nil {
			return nil, err
		}
		return s, nil
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSCredentialsFile, log)
	default:
		return nil, fmt.Errorf("objectstore: unknown backend %q", cfg.Backend)
	}
}
