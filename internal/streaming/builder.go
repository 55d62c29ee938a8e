// Package streaming rebuilds a playable stream from a persisted upload manifest by issuing one signed
// URL per chunk. URLs are issued concurrently but always returned in chunk order.
package streaming

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/records"
)

var tracer = otel.Tracer("video-chunk-pipeline/streaming")

type Signer interface {
	SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Result is a built streaming manifest. Warning is non-nil when some chunks could not be signed.
type Result struct {
	*models.StreamingManifest
	warning error
}

func (r *Result) Warning() error {
	return r.warning
}

type Builder struct {
	manifests records.ManifestRepository
	signer    Signer
	workers   int
	log       *zap.Logger
	now       func() time.Time
}

func NewBuilder(manifests records.ManifestRepository, signer Signer, workers int, log *zap.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	return &Builder{manifests: manifests, signer: signer, workers: workers, log: log.Named("streaming"), now: time.Now}
}

// Build signs every chunk of a complete manifest. Chunks whose URL cannot be issued are left out and
// reported through Result.Warning; a build where no URL could be issued fails.
func (b *Builder) Build(ctx context.Context, manifestID string, expiry time.Duration) (*Result, error) {
	ctx, span := tracer.Start(ctx, "streaming.build",
		trace.WithAttributes(attribute.String("manifest_id", manifestID)),
	)
	defer span.End()

	m, err := b.manifests.Get(ctx, manifestID)
	if errors.Is(err, records.ErrNotFound) {
		metrics.ManifestBuilds.WithLabelValues("not_found").Inc()
		return nil, mediaerr.NotFound(mediaerr.CodeManifestNotFound, "manifest "+manifestID+" does not exist")
	} else if err != nil {
		metrics.ManifestBuilds.WithLabelValues("error").Inc()
		return nil, err
	}
	if m.Status != models.StatusComplete || !m.Consistent() {
		metrics.ManifestBuilds.WithLabelValues("not_found").Inc()
		return nil, mediaerr.NotFound(mediaerr.CodeManifestIncomplete, "manifest "+manifestID+" is not complete")
	}

	// Expiry is anchored before signing so it never outlives the earliest URL.
	expiresAt := b.now().Add(expiry)
	urls := make([]string, m.TotalChunks)

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, key := range m.ChunkKeys {
		i, key := i, key
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			u, err := b.signer.SignedURL(ctx, m.StorageBucket, key, expiry)
			if err != nil {
				metrics.SignedURLFailures.Inc()
				b.log.Warn("Dropping chunk from streaming manifest",
					zap.String("manifest_id", manifestID),
					zap.Int("chunk", i),
					zap.String("key", key),
					zap.Error(err))
				return nil
			}
			urls[i] = u
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sm := &models.StreamingManifest{
		ManifestID:  manifestID,
		TotalChunks: m.TotalChunks,
		ExpiresAt:   expiresAt,
		Entries:     make([]models.StreamEntry, 0, m.TotalChunks),
	}
	for i, u := range urls {
		if u == "" {
			continue
		}
		sm.Entries = append(sm.Entries, models.StreamEntry{URL: u, ChunkIndex: i, Key: m.ChunkKeys[i]})
	}

	span.SetAttributes(attribute.Int("issued", len(sm.Entries)), attribute.Int("total_chunks", m.TotalChunks))
	if len(sm.Entries) == 0 {
		metrics.ManifestBuilds.WithLabelValues("error").Inc()
		return nil, mediaerr.Degraded(0, m.TotalChunks)
	}
	res := &Result{StreamingManifest: sm}
	if sm.Degraded() {
		res.warning = mediaerr.Degraded(len(sm.Entries), m.TotalChunks)
		metrics.ManifestBuilds.WithLabelValues("degraded").Inc()
		b.log.Warn("Streaming manifest degraded",
			zap.String("manifest_id", manifestID),
			zap.Int("issued", len(sm.Entries)),
			zap.Int("total", m.TotalChunks))
		return res, nil
	}
	metrics.ManifestBuilds.WithLabelValues("ok").Inc()
	return res, nil
}
