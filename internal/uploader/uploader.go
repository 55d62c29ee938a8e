// Package uploader stores a single chunk under its key. It enforces the chunk's content type before
// any transfer and retries transient failures with a linear backoff.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/retry"
)

type Uploader struct {
	store  objectstore.Store
	bucket string
	policy retry.Policy
	log    *zap.Logger
}

// New returns an Uploader writing to bucket. policy.Schedule is forced to linear.
func New(store objectstore.Store, bucket string, policy retry.Policy, log *zap.Logger) *Uploader {
	policy.Schedule = retry.Linear
	return &Uploader{store: store, bucket: bucket, policy: policy, log: log.Named("uploader")}
}

// Upload puts chunk under destinationKey and returns the key. Putting the same key again overwrites it.
func (u *Uploader) Upload(ctx context.Context, chunk models.Chunk, destinationKey, contentType string) (string, error) {
	res, err := Resolve(chunk.ContentType, contentType, destinationKey, chunk.Index, chunk.Data)
	if err != nil {
		metrics.UploadFailures.WithLabelValues(string(mediaerr.KindIntegrity)).Inc()
		u.log.Error("Chunk rejected before transfer",
			zap.String("key", destinationKey),
			zap.String("declared", chunk.ContentType),
			zap.String("expected", contentType),
			zap.Error(err))
		return "", err
	}
	if res.Coerced {
		u.log.Debug("Chunk content type coerced",
			zap.String("key", destinationKey),
			zap.String("declared", chunk.ContentType),
			zap.String("stored_as", res.ContentType))
	}

	start := time.Now()
	err = u.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := u.store.Put(ctx, u.bucket, destinationKey, bytes.NewReader(chunk.Data), int64(len(chunk.Data)), res.ContentType)
		if err != nil {
			return mediaerr.Transient(mediaerr.CodeTransferFailed, fmt.Sprintf("put chunk %d", chunk.Index), err)
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		metrics.ChunkUploadRetries.Inc()
		u.log.Warn("Chunk upload failed, retrying",
			zap.String("key", destinationKey),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		metrics.UploadFailures.WithLabelValues(string(kindOf(err))).Inc()
		return "", err
	}

	metrics.ChunkUploadDuration.Observe(time.Since(start).Seconds())
	metrics.ChunksUploaded.Inc()
	return destinationKey, nil
}

func kindOf(err error) mediaerr.Kind {
	if k := mediaerr.KindOf(err); k != "" {
		return k
	}
	return "canceled"
}
