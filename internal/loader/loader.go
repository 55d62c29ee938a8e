// Package loader resolves a stored video into a verified, playable URL. Each attempt signs a fresh
// URL and probes it; failed attempts back off exponentially until the budget is spent.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/retry"
)

type Signer interface {
	SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

type Loaded struct {
	URL         string
	ExpiresAt   time.Time
	Attempts    int
	ContentType string
}

// Expired reports whether the URL can no longer be used; callers must load again.
func (l *Loaded) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type Loader struct {
	signer       Signer
	client       *http.Client
	policy       retry.Policy
	urlExpiry    time.Duration
	probeTimeout time.Duration
	log          *zap.Logger
	now          func() time.Time
}

type Option func(*Loader)

func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		if c != nil {
			l.client = c
		}
	}
}

// New returns a Loader; policy.Schedule is forced to exponential.
func New(signer Signer, policy retry.Policy, urlExpiry, probeTimeout time.Duration, log *zap.Logger, opts ...Option) *Loader {
	policy.Schedule = retry.Exponential
	l := &Loader{
		signer:       signer,
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:       policy,
		urlExpiry:    urlExpiry,
		probeTimeout: probeTimeout,
		log:          log.Named("loader"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var errNotFound = errors.New("video not found")

// Load signs and probes bucket/key. On exhaustion the error carries VIDEO_NOT_FOUND when the last
// attempt saw a missing object and TRANSIENT_NETWORK otherwise.
func (l *Loader) Load(ctx context.Context, bucket, key string) (*Loaded, error) {
	log := l.log.With(zap.String("key", key))
	var loaded *Loaded
	lastMissing := false

	err := l.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		signed, err := l.signer.SignedURL(ctx, bucket, key, l.urlExpiry)
		if err != nil {
			lastMissing = errors.Is(err, objectstore.ErrNotFound)
			metrics.LoaderAttempts.WithLabelValues("sign_error").Inc()
			return err
		}
		expiresAt := l.now().Add(l.urlExpiry)
		contentType, err := l.probe(ctx, signed)
		if err != nil {
			lastMissing = errors.Is(err, errNotFound)
			metrics.LoaderAttempts.WithLabelValues("probe_error").Inc()
			return err
		}
		metrics.LoaderAttempts.WithLabelValues("ok").Inc()
		loaded = &Loaded{URL: signed, ExpiresAt: expiresAt, Attempts: attempt, ContentType: contentType}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("Video load failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if typed := mediaerr.As(err); typed != nil && typed.Kind == mediaerr.KindRetryExhausted {
			typed.Code = mediaerr.CodeTransientNetwork
			typed.Message = "video could not be reached"
			if lastMissing {
				typed.Code = mediaerr.CodeVideoNotFound
				typed.Message = "video does not exist"
			}
		}
		log.Error("Video load failed", zap.Error(err))
		return nil, err
	}
	return loaded, nil
}

// probe fetches the first byte of the signed URL. A ranged GET is used because V4 presigned URLs are
// bound to the GET method.
func (l *Loader) probe(ctx context.Context, signed string) (string, error) {
	if l.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.probeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return "", fmt.Errorf("build probe: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("probe status %d: %w", resp.StatusCode, errNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return resp.Header.Get("Content-Type"), nil
}

// IsExpired inspects the expiry encoded in an S3 or GCS V4 signed URL. URLs without a recognisable
// expiry are reported as not expired.
func IsExpired(rawURL string, now time.Time) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	q := u.Query()
	for _, p := range [][2]string{{"X-Amz-Date", "X-Amz-Expires"}, {"X-Goog-Date", "X-Goog-Expires"}} {
		date, expires := q.Get(p[0]), q.Get(p[1])
		if date == "" || expires == "" {
			continue
		}
		signedAt, err := time.Parse("20060102T150405Z", date)
		if err != nil {
			return false
		}
		secs, err := strconv.Atoi(expires)
		if err != nil {
			return false
		}
		return !now.Before(signedAt.Add(time.Duration(secs) * time.Second))
	}
	return false
}
