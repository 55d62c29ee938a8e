package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestMetricsRegistrationAndInc(t *testing.T) {
	Init("", zap.NewNop())
	Init("", zap.NewNop()) // second call must not panic on re-registration

	FilesDetected.Inc()
	ChunksUploaded.Inc()
	ChunkUploadRetries.Inc()
	UploadFailures.WithLabelValues("retry_exhausted").Inc()
	CleanupDeletions.WithLabelValues("ok").Inc()
	ManifestsPersisted.Inc()
	ManifestBuilds.WithLabelValues("degraded").Inc()
	SignedURLFailures.Inc()
	LoaderAttempts.WithLabelValues("ok").Inc()
	ThumbnailDuration.Observe(1.5)
	ThumbnailsGenerated.WithLabelValues("portrait").Inc()
	PlaybackTransitions.WithLabelValues("playing", "buffering").Inc()
	RedisErrors.Inc()
	FilesInProgress.Set(3)
	FileProcessingDuration.Observe(2.5)
	ChunkUploadDuration.Observe(0.5)
	LastFileProcessed.Set(1234567890)
}

func TestMetricsHandler(t *testing.T) {
	ChunksUploaded.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "vcp_chunks_uploaded_total") {
		t.Error("metrics output missing vcp_chunks_uploaded_total")
	}
}
