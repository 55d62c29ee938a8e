package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GCSStore stores objects in Google Cloud Storage and signs V4 GET URLs.
type GCSStore struct {
	client *storage.Client
	now    func() time.Time
	log    *zap.Logger
}

type GCSOption func(*GCSStore)

// WithClock overrides the time source used for URL expiry.
func WithClock(clock func() time.Time) GCSOption {
	return func(s *GCSStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewGCSStore uses application default credentials unless credentialsFile is set.
func NewGCSStore(ctx context.Context, credentialsFile string, log *zap.Logger, opts ...GCSOption) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s := &GCSStore{client: client, now: time.Now, log: log.Named("gcs")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "gcs.put",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		span.RecordError(err)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	_, span := tracer.Start(ctx, "gcs.sign", trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	if expiry <= 0 {
		return "", errors.New("gcs: expiry must be positive")
	}
	u, err := s.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.now().Add(expiry),
	})
	if err != nil {
		span.RecordError(err)
		s.log.Error("generate signed url failed", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("signed url %s: %w", key, err)
	}
	return u, nil
}

func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapGCSErr(err))
	}
	return r, nil
}

func (s *GCSStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, mapGCSErr(err))
	}
	return ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
	}, nil
}

func (s *GCSStore) ObjectURL(bucket, key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, key)
}

func mapGCSErr(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
