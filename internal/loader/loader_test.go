package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/retry"
)

type staticSigner struct {
	url   string
	err   error
	calls atomic.Int64
}

func (s *staticSigner) SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	s.calls.Add(1)
	return s.url, s.err
}

func newLoader(signer Signer) *Loader {
	return New(signer, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, time.Hour, time.Second, zap.NewNop())
}

func TestLoad_SucceedsAfterTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	signer := &staticSigner{url: srv.URL + "/v.mp4"}
	l := newLoader(signer)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	got, err := l.Load(context.Background(), "media", "v.mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "video/mp4", got.ContentType)
	assert.Equal(t, fixed.Add(time.Hour), got.ExpiresAt)
	assert.EqualValues(t, 3, signer.calls.Load(), "every attempt signs a fresh URL")
	assert.False(t, got.Expired(fixed))
	assert.True(t, got.Expired(fixed.Add(time.Hour)))
}

func TestLoad_NotFoundExhausts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newLoader(&staticSigner{url: srv.URL}).Load(context.Background(), "media", "gone.mp4")

	require.Error(t, err)
	typed := mediaerr.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, mediaerr.KindRetryExhausted, typed.Kind)
	assert.Equal(t, mediaerr.CodeVideoNotFound, typed.Code)
	assert.Equal(t, 3, typed.Retries)
	assert.EqualValues(t, 3, hits.Load())
}

func TestLoad_SignerNotFound(t *testing.T) {
	_, err := newLoader(&staticSigner{err: objectstore.ErrNotFound}).Load(context.Background(), "media", "gone.mp4")
	assert.Equal(t, mediaerr.CodeVideoNotFound, mediaerr.As(err).Code)
}

func TestLoad_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newLoader(&staticSigner{url: url}).Load(context.Background(), "media", "v.mp4")
	typed := mediaerr.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, mediaerr.CodeTransientNetwork, typed.Code)
	assert.Equal(t, 3, typed.Retries)
	assert.True(t, errors.Is(err, mediaerr.ErrRetryExhausted))
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newLoader(&staticSigner{url: "http://127.0.0.1:1/x"}).Load(ctx, "media", "v.mp4")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s3 := "https://minio/media/k?X-Amz-Date=20240101T113000Z&X-Amz-Expires=3600"
	assert.False(t, IsExpired(s3, now))
	assert.True(t, IsExpired(s3, now.Add(30*time.Minute)))

	gcs := "https://storage.googleapis.com/b/k?X-Goog-Date=20240101T100000Z&X-Goog-Expires=3600"
	assert.True(t, IsExpired(gcs, now))

	assert.False(t, IsExpired("https://example.com/plain.mp4", now))
	assert.False(t, IsExpired("https://minio/k?X-Amz-Date=bad&X-Amz-Expires=10", now))
}
