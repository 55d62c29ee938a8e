// Package thumbnail samples candidate poster frames from a video, stores them and attaches the
// chosen one to its media record.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/loader"
	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/records"
)

const (
	landscapeWidth  = 1280
	landscapeHeight = 720
	portraitWidth   = 720
)

type Config struct {
	Bucket  string
	Prefix  string
	Count   int
	Timeout time.Duration
	Quality int
}

// URLSource resolves a stored object into a verified, readable URL.
type URLSource interface {
	Load(ctx context.Context, bucket, key string) (*loader.Loaded, error)
}

type Service struct {
	frames FrameSource
	store  objectstore.Store
	media  records.MediaRepository
	urls   URLSource
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithURLSource makes GenerateFromManifest sample the stored chunk over a signed URL instead of
// downloading it first.
func WithURLSource(src URLSource) Option {
	return func(s *Service) { s.urls = src }
}

func NewService(frames FrameSource, store objectstore.Store, media records.MediaRepository, cfg Config, log *zap.Logger, opts ...Option) *Service {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "thumbnails"
	}
	s := &Service{frames: frames, store: store, media: media, cfg: cfg, log: log.Named("thumbnail"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timestamps spreads count samples evenly inside the video, avoiding both ends.
func Timestamps(duration float64, count int) []float64 {
	out := make([]float64, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, duration*float64(i)/float64(count+1))
	}
	return out
}

// Canvas returns the output size for a source of the given dimensions.
func Canvas(width, height int) (w, h int, vertical bool) {
	if height <= width || width <= 0 {
		return landscapeWidth, landscapeHeight, false
	}
	h = portraitWidth * height / width
	h += h % 2
	return portraitWidth, h, true
}

// Generate extracts count candidates from the video at path. When the timeout fires after at least
// one frame was produced, the partial candidates are returned together with a Timeout error.
func (s *Service) Generate(ctx context.Context, path string, count int) ([]models.ThumbnailCandidate, error) {
	if count <= 0 {
		count = s.cfg.Count
	}
	start := s.now()
	defer func() { metrics.ThumbnailDuration.Observe(time.Since(start).Seconds()) }()

	genCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	log := s.log.With(zap.String("path", path), zap.Int("count", count))

	meta, err := s.frames.Probe(genCtx, path)
	if err != nil {
		if timedOut(ctx, genCtx) {
			return nil, mediaerr.Timeout("probe timed out", err)
		}
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	if meta.Duration <= 0 {
		return nil, fmt.Errorf("probe %s: unknown duration", path)
	}
	width, height, vertical := Canvas(meta.Width, meta.Height)

	var candidates []models.ThumbnailCandidate
	var lastErr error
	for _, ts := range Timestamps(meta.Duration, count) {
		if genCtx.Err() != nil {
			break
		}
		img, err := s.frames.Frame(genCtx, path, ts, width, height)
		if err != nil {
			lastErr = err
			log.Warn("Failed to extract frame", zap.Float64("timestamp", ts), zap.Error(err))
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
			lastErr = err
			log.Warn("Failed to encode frame", zap.Float64("timestamp", ts), zap.Error(err))
			continue
		}
		candidates = append(candidates, models.ThumbnailCandidate{
			Timestamp:  ts,
			IsVertical: vertical,
			Width:      width,
			Height:     height,
			Image:      buf.Bytes(),
		})
		metrics.ThumbnailsGenerated.WithLabelValues(string(models.OrientationOf(vertical))).Inc()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timedOut(ctx, genCtx) {
		if len(candidates) == 0 {
			return nil, mediaerr.Timeout("no thumbnails before timeout", genCtx.Err())
		}
		log.Warn("Thumbnail generation timed out", zap.Int("generated", len(candidates)))
		return candidates, mediaerr.Timeout(fmt.Sprintf("generated %d of %d thumbnails", len(candidates), count), genCtx.Err())
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no thumbnails extracted from %s: %w", path, lastErr)
	}
	log.Info("Thumbnails generated", zap.Int("generated", len(candidates)), zap.Bool("vertical", vertical))
	return candidates, nil
}

func timedOut(parent, ctx context.Context) bool {
	return parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// Key is the storage key for a candidate of mediaID taken at timestamp seconds.
func Key(prefix, mediaID string, timestamp float64) string {
	return fmt.Sprintf("%s/%s_%d.jpg", prefix, mediaID, int64(timestamp*1000))
}

// UploadCandidates stores every candidate and returns them with Key and StoredURL filled in.
func (s *Service) UploadCandidates(ctx context.Context, mediaID string, candidates []models.ThumbnailCandidate) ([]models.ThumbnailCandidate, error) {
	out := make([]models.ThumbnailCandidate, len(candidates))
	for i, c := range candidates {
		key := Key(s.cfg.Prefix, mediaID, c.Timestamp)
		if err := s.store.Put(ctx, s.cfg.Bucket, key, bytes.NewReader(c.Image), int64(len(c.Image)), "image/jpeg"); err != nil {
			return nil, fmt.Errorf("upload thumbnail %s: %w", key, err)
		}
		c.Key = key
		c.StoredURL = s.store.ObjectURL(s.cfg.Bucket, key)
		out[i] = c
	}
	s.log.Info("Thumbnails uploaded", zap.String("media_id", mediaID), zap.Int("count", len(out)))
	return out, nil
}

// Select makes candidate the media record's thumbnail. The record's orientation follows the
// candidate when they disagree.
func (s *Service) Select(ctx context.Context, mediaID string, candidate models.ThumbnailCandidate) (*models.MediaRecord, error) {
	if candidate.StoredURL == "" {
		return nil, fmt.Errorf("select thumbnail for %s: candidate at %.3fs was not uploaded", mediaID, candidate.Timestamp)
	}
	rec, err := s.media.Get(ctx, mediaID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, mediaerr.NotFound(mediaerr.CodeMediaNotFound, fmt.Sprintf("media %s not found", mediaID))
	}
	if err != nil {
		return nil, fmt.Errorf("get media %s: %w", mediaID, err)
	}

	rec.ThumbnailURL = candidate.StoredURL
	if o := models.OrientationOf(candidate.IsVertical); rec.Orientation != o {
		rec.Orientation = o
	}
	rec.UpdatedAt = s.now().UTC()
	if err := s.media.Update(ctx, rec); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, mediaerr.NotFound(mediaerr.CodeMediaNotFound, fmt.Sprintf("media %s not found", mediaID))
		}
		return nil, fmt.Errorf("update media %s: %w", mediaID, err)
	}
	return rec, nil
}

// GenerateFromManifest samples the first stored chunk of an upload. It is used when the original
// file is no longer available locally.
func (s *Service) GenerateFromManifest(ctx context.Context, m *models.UploadManifest, count int) ([]models.ThumbnailCandidate, error) {
	if !m.Consistent() {
		return nil, mediaerr.NotFound(mediaerr.CodeManifestIncomplete, fmt.Sprintf("manifest %s has no usable chunks", m.ID))
	}
	key := m.ChunkKeys[0]
	if s.urls != nil {
		loaded, err := s.urls.Load(ctx, m.StorageBucket, key)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}
		return s.Generate(ctx, loaded.URL, count)
	}

	rc, err := s.store.Get(ctx, m.StorageBucket, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "thumb-*"+filepath.Ext(key))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return s.Generate(ctx, tmp.Name(), count)
}
