package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/upload"
	"video-chunk-pipeline/internal/watcher"
)

type uploads interface {
	Orchestrate(ctx context.Context, src upload.Source, chunkSize int64, opts ...upload.Option) (*upload.Result, error)
}

type mediaCreator interface {
	Create(ctx context.Context, rec *models.MediaRecord) error
}

type thumbnailer interface {
	Generate(ctx context.Context, path string, count int) ([]models.ThumbnailCandidate, error)
	UploadCandidates(ctx context.Context, mediaID string, candidates []models.ThumbnailCandidate) ([]models.ThumbnailCandidate, error)
	Select(ctx context.Context, mediaID string, candidate models.ThumbnailCandidate) (*models.MediaRecord, error)
}

// pipeline is what a worker needs to take one detected file to a playable media record.
type pipeline struct {
	uploads   uploads
	media     mediaCreator
	thumbs    thumbnailer
	chunkSize int64
	log       *zap.Logger
}

// processFile uploads a detected file, registers its media record and attaches a default
// thumbnail taken from the local copy. Only the upload itself is fatal; media and thumbnail
// failures are logged so the upload is never redone for them.
func processFile(ctx context.Context, det watcher.Detected, p *pipeline) error {
	log := p.log.With(zap.String("file", det.Path), zap.String("upload_id", det.UploadID))
	log.Info("Processing file")
	start := time.Now()

	res, err := p.uploads.Orchestrate(ctx, upload.Source{Path: det.Path, Name: filepath.Base(det.Path), UploadID: det.UploadID}, p.chunkSize)
	if err != nil {
		return fmt.Errorf("process %s: %w", det.Path, err)
	}
	id := res.Manifest.ID

	rec := &models.MediaRecord{ID: id, ManifestID: id, Orientation: models.Landscape, UpdatedAt: time.Now().UTC()}
	if err := p.media.Create(ctx, rec); err != nil {
		log.Error("Failed to create media record", zap.Error(err))
		return nil
	}

	if p.thumbs != nil {
		p.attachThumbnail(ctx, log, id, det.Path)
	}
	log.Info("File processed",
		zap.Int("chunks", res.Manifest.TotalChunks),
		zap.Int("skipped", res.Skipped),
		zap.Duration("took", time.Since(start)))
	return nil
}

// attachThumbnail picks the middle candidate as the default poster frame.
func (p *pipeline) attachThumbnail(ctx context.Context, log *zap.Logger, mediaID, path string) {
	candidates, err := p.thumbs.Generate(ctx, path, 0)
	if err != nil && !(errors.Is(err, mediaerr.ErrTimeout) && len(candidates) > 0) {
		log.Warn("Thumbnail generation failed", zap.Error(err))
		return
	}
	if err != nil {
		log.Warn("Thumbnail generation incomplete", zap.Int("candidates", len(candidates)), zap.Error(err))
	}
	uploaded, err := p.thumbs.UploadCandidates(ctx, mediaID, candidates)
	if err != nil {
		log.Warn("Thumbnail upload failed", zap.Error(err))
		return
	}
	chosen := uploaded[len(uploaded)/2]
	if _, err := p.thumbs.Select(ctx, mediaID, chosen); err != nil {
		log.Warn("Thumbnail selection failed", zap.Error(err))
		return
	}
	log.Info("Thumbnail attached", zap.String("url", chosen.StoredURL), zap.Bool("vertical", chosen.IsVertical))
}
