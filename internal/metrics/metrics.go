// Package metrics defines and registers Prometheus metrics for the media pipeline.
// Metrics cover ingest, chunk uploads and retries, cleanup, manifest builds, thumbnails and playback.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	FilesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_files_detected_total",
			Help: "Total number of files detected in the watch directory.",
		},
	)
	ChunksUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_chunks_uploaded_total",
			Help: "Total number of chunks uploaded.",
		},
	)
	ChunkUploadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_chunk_upload_retries_total",
			Help: "Total number of chunk upload retries after a transient failure.",
		},
	)
	UploadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_upload_failures_total",
			Help: "Total number of failed uploads by error kind.",
		},
		[]string{"kind"},
	)
	CleanupDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_cleanup_deletions_total",
			Help: "Chunk deletions issued while cleaning up an aborted upload.",
		},
		[]string{"result"},
	)
	ManifestsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_manifests_persisted_total",
			Help: "Total number of complete upload manifests persisted.",
		},
	)
	ManifestBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_streaming_manifest_builds_total",
			Help: "Streaming manifest builds by outcome.",
		},
		[]string{"result"},
	)
	SignedURLFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_signed_url_failures_total",
			Help: "Chunk URLs that could not be signed and were dropped from a manifest.",
		},
	)
	LoaderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_loader_attempts_total",
			Help: "Video loader probe attempts by result.",
		},
		[]string{"result"},
	)
	ThumbnailDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vcp_thumbnail_generation_duration_seconds",
			Help:    "Histogram of thumbnail generation durations.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. 32s
		},
	)
	ThumbnailsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_thumbnails_generated_total",
			Help: "Thumbnail candidates generated by orientation.",
		},
		[]string{"orientation"},
	)
	PlaybackTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcp_playback_transitions_total",
			Help: "Playback state machine transitions.",
		},
		[]string{"from", "to"},
	)
	RedisErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcp_redis_errors_total",
			Help: "Total number of Redis errors.",
		},
	)
	FilesInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vcp_files_in_progress",
			Help: "Current number of files being uploaded.",
		},
	)
	FileProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vcp_file_processing_duration_seconds",
			Help:    "Histogram of whole-file upload durations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s, 2s, 4s, ...
		},
	)
	ChunkUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vcp_chunk_upload_duration_seconds",
			Help:    "Histogram of chunk upload durations including retries.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s, 0.2s, ...
		},
	)
	LastFileProcessed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vcp_last_file_processed_unixtime",
			Help: "Unix timestamp of the last successfully uploaded file.",
		},
	)
	registerOnce sync.Once
	serveOnce    sync.Once
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(FilesDetected, ChunksUploaded, ChunkUploadRetries, UploadFailures,
			CleanupDeletions, ManifestsPersisted, ManifestBuilds, SignedURLFailures, LoaderAttempts,
			ThumbnailDuration, ThumbnailsGenerated, PlaybackTransitions, RedisErrors,
			FilesInProgress, FileProcessingDuration, ChunkUploadDuration, LastFileProcessed)
	})
}

// Handler registers the collectors if needed and returns the scrape handler.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// Init registers the collectors and, when port is set, serves /metrics on its own listener.
func Init(port string, log *zap.Logger) {
	register()
	if port == "" {
		return
	}
	serveOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(":"+port, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener stopped", zap.String("port", port), zap.Error(err))
			}
		}()
	})
}
