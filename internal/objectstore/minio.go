package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// minioAPI is the subset of *minio.Client used by MinioStore (for mocking in tests)
type minioAPI interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, objectName string, opts minio.RemoveObjectOptions) error
	GetObject(ctx context.Context, bucket, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucket, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

type MinioStore struct {
	client   minioAPI
	endpoint string
	secure   bool
	log      *zap.Logger
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool, log *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, endpoint: endpoint, secure: useSSL, log: log.Named("minio")}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	s.log.Info("Creating bucket", zap.String("bucket", bucket))
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "minio.put",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.sign",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("presign %s: %w", key, mapMinioErr(err))
	}
	return u.String(), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapMinioErr(err))
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("get %s: %w", key, mapMinioErr(err))
	}
	return obj, nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, mapMinioErr(err))
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         strings.Trim(info.ETag, "\""),
		LastModified: info.LastModified,
	}, nil
}

func (s *MinioStore) ObjectURL(bucket, key string) string {
	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, bucket, key)
}

func mapMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
