// Package upload turns a source file into an uploaded set of chunks plus one persisted manifest.
//
// Chunks are uploaded by a bounded pool of workers. Each worker records its outcome in the slot for
// its chunk index only. If any chunk fails the remaining uploads are cancelled, every key touched by
// the attempt is deleted and the original error is returned; the manifest is written only after all
// chunks succeeded. A complete manifest is never rewritten: rerunning its upload id is a no-op.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"video-chunk-pipeline/internal/chunker"
	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/records"
	"video-chunk-pipeline/internal/uploader"
)

var tracer = otel.Tracer("video-chunk-pipeline/upload")

const cleanupTimeout = 30 * time.Second

type Source struct {
	Path     string
	Name     string
	MimeType string
	// UploadID keys the attempt; reusing it reproduces the same chunk keys.
	UploadID string
}

type Progress = models.UploadProgress

type Result struct {
	Manifest *models.UploadManifest
	Uploaded int
	// Skipped counts chunks already checkpointed by an earlier interrupted run, or every chunk when
	// the upload id already has a complete manifest.
	Skipped int
}

type ChunkUploader interface {
	Upload(ctx context.Context, chunk models.Chunk, destinationKey, contentType string) (string, error)
}

// Checkpoints is the subset of redisstore.Store the orchestrator writes to.
type Checkpoints interface {
	SetChunkUploaded(ctx context.Context, uploadID string, chunkIdx int, checksum string) error
	ChunkChecksum(ctx context.Context, uploadID string, chunkIdx int) (string, error)
	ClearChunks(ctx context.Context, uploadID string, total int) error
	SetProgress(ctx context.Context, p models.UploadProgress) error
	SetStatus(ctx context.Context, uploadID string, status models.ManifestStatus) error
}

type Config struct {
	Bucket     string
	BasePrefix string
	Workers    int
}

type Orchestrator struct {
	uploader    ChunkUploader
	store       objectstore.Store
	manifests   records.ManifestRepository
	checkpoints Checkpoints
	cfg         Config
	log         *zap.Logger
	now         func() time.Time
}

func New(up ChunkUploader, store objectstore.Store, manifests records.ManifestRepository, checkpoints Checkpoints, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		uploader:    up,
		store:       store,
		manifests:   manifests,
		checkpoints: checkpoints,
		cfg:         cfg,
		log:         log.Named("upload"),
		now:         time.Now,
	}
}

type options struct {
	progress func(Progress)
}

type Option func(*options)

// WithProgress registers a callback invoked after every finished chunk. Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// attempt holds the per-index slots of one Orchestrate call.
type attempt struct {
	id        string
	plan      chunker.SplitPlan
	touched   []bool
	succeeded []bool
	skipped   []bool

	completed atomic.Int64
	bytes     atomic.Int64
	mu        sync.Mutex
	progress  func(Progress)
}

// advance counts one finished chunk and reports it. Holding mu keeps callbacks ordered by count.
func (a *attempt) advance(size int) Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed.Add(1)
	a.bytes.Add(int64(size))
	p := a.snapshot(models.StatusInProgress)
	if a.progress != nil {
		a.progress(p)
	}
	return p
}

func (o *Orchestrator) Orchestrate(ctx context.Context, src Source, chunkSize int64, opts ...Option) (*Result, error) {
	var op options
	for _, opt := range opts {
		opt(&op)
	}
	if src.UploadID == "" {
		src.UploadID = uuid.NewString()
	}
	if src.Name == "" {
		src.Name = filepath.Base(src.Path)
	}

	ctx, span := tracer.Start(ctx, "upload.orchestrate",
		trace.WithAttributes(
			attribute.String("upload_id", src.UploadID),
			attribute.String("file_name", src.Name),
			attribute.Int64("chunk_size", chunkSize),
		),
	)
	defer span.End()

	log := o.log.With(zap.String("upload_id", src.UploadID), zap.String("file", src.Name))

	existing, err := o.completeManifest(ctx, src.UploadID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upload %s: %w", src.UploadID, err)
	}
	if existing != nil {
		log.Info("Upload already complete, nothing to do", zap.Int("total_chunks", existing.TotalChunks))
		return &Result{Manifest: existing, Skipped: existing.TotalChunks}, nil
	}

	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src.Path, err)
	}
	if src.MimeType == "" {
		src.MimeType = DetectType(src.Path, src.Name)
	}
	plan, err := chunker.Plan(src.UploadID, BasePath(o.cfg.BasePrefix, src.UploadID, src.Name), src.Name, info.Size(), chunkSize)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("total_chunks", plan.TotalChunks))
	log.Info("Upload started",
		zap.Int64("size", plan.FileSize),
		zap.Int("total_chunks", plan.TotalChunks),
		zap.String("mime_type", src.MimeType))

	metrics.FilesInProgress.Inc()
	defer metrics.FilesInProgress.Dec()
	start := o.now()

	o.checkpoint(ctx, log, "status", func(ctx context.Context) error {
		return o.checkpoints.SetStatus(ctx, src.UploadID, models.StatusInProgress)
	})

	a := &attempt{
		id:        src.UploadID,
		plan:      plan,
		touched:   make([]bool, plan.TotalChunks),
		succeeded: make([]bool, plan.TotalChunks),
		skipped:   make([]bool, plan.TotalChunks),
		progress:  op.progress,
	}

	uploadErr := o.uploadChunks(ctx, log, src, a)
	var manifest *models.UploadManifest
	if uploadErr == nil {
		manifest = o.buildManifest(src, plan)
		if err := o.manifests.Insert(ctx, manifest); err != nil {
			uploadErr = fmt.Errorf("persist manifest: %w", err)
		}
	}
	if uploadErr != nil {
		span.RecordError(uploadErr)
		o.abort(ctx, log, a)
		kind := mediaerr.KindOf(uploadErr)
		if kind == "" {
			kind = "other"
		}
		metrics.UploadFailures.WithLabelValues(string(kind)).Inc()
		log.Error("Upload failed", zap.Error(uploadErr))
		return nil, fmt.Errorf("upload %s: %w", src.UploadID, uploadErr)
	}

	o.checkpoint(ctx, log, "status", func(ctx context.Context) error {
		return o.checkpoints.SetStatus(ctx, src.UploadID, models.StatusComplete)
	})
	o.checkpoint(ctx, log, "progress", func(ctx context.Context) error {
		return o.checkpoints.SetProgress(ctx, a.snapshot(models.StatusComplete))
	})
	metrics.ManifestsPersisted.Inc()
	metrics.FileProcessingDuration.Observe(o.now().Sub(start).Seconds())
	metrics.LastFileProcessed.Set(float64(o.now().Unix()))

	res := &Result{Manifest: manifest}
	for i := range a.succeeded {
		if a.skipped[i] {
			res.Skipped++
		} else {
			res.Uploaded++
		}
	}
	log.Info("Upload complete", zap.Int("uploaded", res.Uploaded), zap.Int("skipped", res.Skipped))
	return res, nil
}

func (a *attempt) snapshot(status models.ManifestStatus) Progress {
	return Progress{
		UploadID:      a.id,
		Completed:     int(a.completed.Load()),
		Total:         a.plan.TotalChunks,
		BytesUploaded: a.bytes.Load(),
		Status:        status,
	}
}

func (o *Orchestrator) uploadChunks(ctx context.Context, log *zap.Logger, src Source, a *attempt) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	chunks, splitErrs, err := chunker.ChunkFile(gctx, src.Path, a.plan, src.MimeType)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	for c := range chunks {
		c := c
		if o.alreadyStored(gctx, log, a, c) {
			a.skipped[c.Index] = true
			a.succeeded[c.Index] = true
			o.finishChunk(gctx, log, a, c)
			continue
		}
		g.Go(func() error {
			a.touched[c.Index] = true
			if _, err := o.uploader.Upload(gctx, c, c.Key, src.MimeType); err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			a.succeeded[c.Index] = true
			o.finishChunk(gctx, log, a, c)
			return nil
		})
	}

	splitErr := <-splitErrs
	if err := g.Wait(); err != nil {
		return err
	}
	if splitErr != nil {
		return fmt.Errorf("split source: %w", splitErr)
	}
	return ctx.Err()
}

// completeManifest returns the persisted manifest for id when it is complete, and nil otherwise.
func (o *Orchestrator) completeManifest(ctx context.Context, id string) (*models.UploadManifest, error) {
	m, err := o.manifests.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup manifest: %w", err)
	}
	if m.Status != models.StatusComplete {
		return nil, nil
	}
	return m, nil
}

// alreadyStored reports whether an earlier run checkpointed c with the same checksum and the object
// is still present at the expected size.
func (o *Orchestrator) alreadyStored(ctx context.Context, log *zap.Logger, a *attempt, c models.Chunk) bool {
	if o.checkpoints == nil {
		return false
	}
	sum, err := o.checkpoints.ChunkChecksum(ctx, a.id, c.Index)
	if err != nil {
		metrics.RedisErrors.Inc()
		log.Warn("Checkpoint lookup failed", zap.Int("chunk", c.Index), zap.Error(err))
		return false
	}
	if sum == "" {
		return false
	}
	if sum != c.Checksum {
		log.Info("Chunk content changed since checkpoint, uploading again", zap.Int("chunk", c.Index))
		return false
	}
	if info, err := o.store.Stat(ctx, o.cfg.Bucket, c.Key); err != nil || info.Size != int64(len(c.Data)) {
		return false
	}
	log.Debug("Chunk already uploaded, skipping", zap.Int("chunk", c.Index))
	return true
}

func (o *Orchestrator) finishChunk(ctx context.Context, log *zap.Logger, a *attempt, c models.Chunk) {
	p := a.advance(len(c.Data))
	o.checkpoint(ctx, log, "chunk", func(ctx context.Context) error {
		return o.checkpoints.SetChunkUploaded(ctx, a.id, c.Index, c.Checksum)
	})
	o.checkpoint(ctx, log, "progress", func(ctx context.Context) error {
		return o.checkpoints.SetProgress(ctx, p)
	})
}

// abort deletes every key this attempt touched or relied on, then records the failure. Keys owned by
// a complete manifest persisted in the meantime are left alone.
func (o *Orchestrator) abort(ctx context.Context, log *zap.Logger, a *attempt) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	existing, err := o.completeManifest(cctx, a.id)
	if err != nil {
		log.Warn("Manifest lookup before cleanup failed", zap.Error(err))
	}
	if existing != nil {
		log.Warn("Cleanup skipped, upload id already has a complete manifest")
		o.checkpoint(cctx, log, "status", func(ctx context.Context) error {
			return o.checkpoints.SetStatus(ctx, a.id, models.StatusComplete)
		})
		return
	}

	var errs error
	deleted := 0
	for i, key := range a.plan.Keys {
		if !a.touched[i] && !a.skipped[i] {
			continue
		}
		if err := o.store.Delete(cctx, o.cfg.Bucket, key); err != nil {
			metrics.CleanupDeletions.WithLabelValues("error").Inc()
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		metrics.CleanupDeletions.WithLabelValues("ok").Inc()
		deleted++
	}
	if errs != nil {
		log.Error("Cleanup incomplete",
			zap.Int("deleted", deleted),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Error(errs))
	} else {
		log.Info("Cleanup complete", zap.Int("deleted", deleted))
	}

	o.checkpoint(cctx, log, "chunks", func(ctx context.Context) error {
		return o.checkpoints.ClearChunks(ctx, a.id, a.plan.TotalChunks)
	})
	o.checkpoint(cctx, log, "status", func(ctx context.Context) error {
		return o.checkpoints.SetStatus(ctx, a.id, models.StatusFailed)
	})
	o.checkpoint(cctx, log, "progress", func(ctx context.Context) error {
		return o.checkpoints.SetProgress(ctx, a.snapshot(models.StatusFailed))
	})
}

// checkpoint runs a best-effort Redis write; failures are counted and logged only.
func (o *Orchestrator) checkpoint(ctx context.Context, log *zap.Logger, what string, fn func(context.Context) error) {
	if o.checkpoints == nil {
		return
	}
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		metrics.RedisErrors.Inc()
		log.Warn("Checkpoint write failed", zap.String("checkpoint", what), zap.Error(err))
	}
}

func (o *Orchestrator) buildManifest(src Source, plan chunker.SplitPlan) *models.UploadManifest {
	now := o.now().UTC()
	return &models.UploadManifest{
		ID:               src.UploadID,
		OriginalFilename: src.Name,
		MimeType:         src.MimeType,
		FileSize:         plan.FileSize,
		TotalChunks:      plan.TotalChunks,
		ChunkSize:        plan.ChunkSize,
		ChunkKeys:        append([]string(nil), plan.Keys...),
		StorageBucket:    o.cfg.Bucket,
		BasePath:         plan.BasePath,
		Status:           models.StatusComplete,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BasePath is {prefix}/{uploadID}/{stem}, with the stem reduced to a safe character set.
func BasePath(prefix, uploadID, name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, stem)
	if stem == "" {
		stem = "source"
	}
	return path.Join(prefix, uploadID, stem)
}

// DetectType prefers the type implied by the file extension, since chunk keys carry that extension,
// and sniffs the content only when the extension is unknown.
func DetectType(filePath, name string) string {
	if t := uploader.TypeForName(name); t != "" {
		return t
	}
	if m, err := mimetype.DetectFile(filePath); err == nil {
		detected := uploader.Normalize(m.String())
		if strings.HasPrefix(detected, "video/") || strings.HasPrefix(detected, "image/") {
			return detected
		}
	}
	return "application/octet-stream"
}
