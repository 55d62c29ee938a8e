// Package app wires the pipeline together and runs it until the context is cancelled.
//
// Files dropped into the watch directory are uploaded in chunks by a pool of workers, registered as
// media and given a default thumbnail. The HTTP API serves uploads, streaming manifests and
// thumbnail selection from the same components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/config"
	"video-chunk-pipeline/internal/httpapi"
	"video-chunk-pipeline/internal/loader"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/objectstore"
	"video-chunk-pipeline/internal/playback"
	"video-chunk-pipeline/internal/records"
	"video-chunk-pipeline/internal/redisstore"
	"video-chunk-pipeline/internal/retry"
	"video-chunk-pipeline/internal/streaming"
	"video-chunk-pipeline/internal/thumbnail"
	"video-chunk-pipeline/internal/tracing"
	"video-chunk-pipeline/internal/upload"
	"video-chunk-pipeline/internal/uploader"
	"video-chunk-pipeline/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Run starts the watcher workers and the HTTP API and blocks until ctx is cancelled, then drains
// in-flight work before returning.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics.Init(cfg.Server.PrometheusPort, log)

	shutdownTracer, err := tracing.Init(ctx, cfg.Server.ServiceName, cfg.Server.OTELEndpoint, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	store, err := objectstore.New(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	db, err := records.NewMySQL(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}

	redisClient := redisstore.New(cfg.Redis, log)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		log.Warn("Redis unavailable, checkpoints and manifest cache degraded", zap.Error(err))
	}

	bucket := cfg.Storage.Bucket
	manifests := records.NewCachedManifests(db, redisClient, log)
	media := db.Media()

	chunkUploader := uploader.New(store, bucket, retry.Policy{
		MaxAttempts: cfg.Upload.MaxAttempts,
		BaseDelay:   cfg.Upload.BaseDelay,
	}, log)
	orchestrator := upload.New(chunkUploader, store, manifests, redisClient, upload.Config{
		Bucket:     bucket,
		BasePrefix: cfg.Upload.BasePrefix,
		Workers:    cfg.Upload.Workers,
	}, log)

	builder := streaming.NewBuilder(manifests, store, cfg.Streaming.SignWorkers, log)
	provider := streaming.NewProvider(builder, cfg.Streaming.SignedURLExpiry, cfg.Streaming.ExpirySkew)

	videoLoader := loader.New(store, retry.Policy{
		MaxAttempts: cfg.Loader.MaxAttempts,
		BaseDelay:   cfg.Loader.BaseDelay,
	}, cfg.Loader.URLExpiry, cfg.Loader.ProbeTimeout, log)

	thumbs := thumbnail.NewService(
		thumbnail.FFmpeg{FFmpegPath: cfg.Thumbnail.FFmpegPath, FFprobePath: cfg.Thumbnail.FFprobePath},
		store, media,
		thumbnail.Config{
			Bucket:  bucket,
			Prefix:  cfg.Thumbnail.Prefix,
			Count:   cfg.Thumbnail.Count,
			Timeout: cfg.Thumbnail.Timeout,
			Quality: cfg.Thumbnail.Quality,
		},
		log,
		thumbnail.WithURLSource(videoLoader),
	)

	api := httpapi.New(httpapi.Deps{
		Uploads:    orchestrator,
		Progress:   redisClient,
		Streams:    provider,
		Thumbnails: thumbs,
		Manifests:  manifests,
		Media:      media,
		Health:     map[string]httpapi.Pinger{"mysql": db, "redis": redisClient},
		Playback: playback.Policy{
			Thresholds: playback.Thresholds{
				MinBufferSeconds:  cfg.Playback.MinBufferSeconds,
				ThresholdFraction: cfg.Playback.ThresholdFraction,
				FloorSeconds:      cfg.Playback.FloorSeconds,
			},
			TickInterval: cfg.Playback.TickInterval,
		},
	}, cfg.Upload.ChunkSize, log)
	srv := &http.Server{
		Addr:        cfg.Server.HTTPAddr,
		Handler:     api.Router(),
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if ids, err := redisClient.ScanIncomplete(ctx); err != nil {
		log.Warn("Failed to scan incomplete uploads", zap.Error(err))
	} else if len(ids) > 0 {
		log.Info("Incomplete uploads found; they resume when their files are seen again", zap.Strings("upload_ids", ids))
	}

	var wg sync.WaitGroup
	if cfg.Watcher.Enabled {
		p := &pipeline{uploads: orchestrator, media: media, thumbs: thumbs, chunkSize: cfg.Upload.ChunkSize, log: log}
		startWatcher(ctx, cfg.Watcher, log, redisClient, p, &wg)
	}

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		log.Error("HTTP API failed", zap.Error(err))
	}

	log.Info("Shutting down HTTP API...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("HTTP API forced to shutdown", zap.Error(err))
	}

	log.Info("Waiting for workers to finish...")
	wg.Wait()
	log.Info("All workers finished. Shutdown complete.")
	return err
}

// startWatcher launches the directory watcher and cfg.WorkerCount workers draining its channel.
func startWatcher(ctx context.Context, cfg config.WatcherConfig, log *zap.Logger, status watcher.StatusReader, p *pipeline, wg *sync.WaitGroup) {
	fileCh := make(chan watcher.Detected, 100)
	var w watcher.WatcherInterface = watcher.New(cfg, log, fileCh, status)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Start(ctx); err != nil {
			log.Error("Watcher stopped", zap.Error(err))
		}
	}()

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 2
	}
	log.Info("Launching workers", zap.Int("worker_count", workerCount))
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Info("Worker started", zap.Int("worker_id", workerID))
			for {
				select {
				case <-ctx.Done():
					log.Info("Worker shutting down", zap.Int("worker_id", workerID))
					return
				case det := <-fileCh:
					log.Info("Worker picked up file", zap.Int("worker_id", workerID), zap.String("file", det.Path))
					if err := processFile(ctx, det, p); err != nil {
						log.Error("File processing failed", zap.Int("worker_id", workerID), zap.Error(err))
					}
				}
			}
		}(i)
	}
}
