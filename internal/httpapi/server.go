// Package httpapi exposes uploads, streaming manifests and thumbnails over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/playback"
	"video-chunk-pipeline/internal/records"
	"video-chunk-pipeline/internal/streaming"
	"video-chunk-pipeline/internal/upload"
)

type Uploads interface {
	Orchestrate(ctx context.Context, src upload.Source, chunkSize int64, opts ...upload.Option) (*upload.Result, error)
}

type ProgressReader interface {
	GetProgress(ctx context.Context, uploadID string) (*models.UploadProgress, error)
}

type Streams interface {
	Fresh(ctx context.Context, manifestID string) (*streaming.Result, error)
}

type Thumbnails interface {
	GenerateFromManifest(ctx context.Context, m *models.UploadManifest, count int) ([]models.ThumbnailCandidate, error)
	UploadCandidates(ctx context.Context, mediaID string, candidates []models.ThumbnailCandidate) ([]models.ThumbnailCandidate, error)
	Select(ctx context.Context, mediaID string, candidate models.ThumbnailCandidate) (*models.MediaRecord, error)
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Uploads    Uploads
	Progress   ProgressReader
	Streams    Streams
	Thumbnails Thumbnails
	Manifests  records.ManifestRepository
	Media      records.MediaRepository
	Health     map[string]Pinger
	// Playback is returned with every stream so players share the server's buffering policy.
	Playback playback.Policy
}

type Server struct {
	deps      Deps
	chunkSize int64
	log       *zap.Logger
}

func New(deps Deps, chunkSize int64, log *zap.Logger) *Server {
	if deps.Playback == (playback.Policy{}) {
		deps.Playback = playback.DefaultPolicy()
	}
	return &Server{deps: deps, chunkSize: chunkSize, log: log.Named("http")}
}

// Router wires every route. Handlers other than /health and /metrics are traced.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	traced := func(route string, h http.HandlerFunc) http.Handler {
		return otelhttp.NewHandler(h, route)
	}
	r.Handle("/uploads", traced("POST /uploads", s.createUpload)).Methods(http.MethodPost)
	r.Handle("/uploads/{id}/progress", traced("GET /uploads/{id}/progress", s.getProgress)).Methods(http.MethodGet)
	r.Handle("/manifests/{id}/stream", traced("GET /manifests/{id}/stream", s.getStream)).Methods(http.MethodGet)
	r.Handle("/media/{id}/thumbnails", traced("POST /media/{id}/thumbnails", s.generateThumbnails)).Methods(http.MethodPost)
	r.Handle("/media/{id}/thumbnail", traced("PUT /media/{id}/thumbnail", s.selectThumbnail)).Methods(http.MethodPut)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type uploadResponse struct {
	UploadID    string   `json:"upload_id"`
	FileName    string   `json:"file_name"`
	FileSize    int64    `json:"file_size"`
	TotalChunks int      `json:"total_chunks"`
	ChunkKeys   []string `json:"chunk_keys"`
	Uploaded    int      `json:"uploaded"`
	Skipped     int      `json:"skipped"`
}

// createUpload handles POST /uploads?name=clip.mp4[&upload_id=...]. The body is the raw file.
func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing 'name' query parameter", http.StatusBadRequest)
		return
	}

	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(name))
	if err != nil {
		s.fail(w, fmt.Errorf("create temp file: %w", err))
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r.Body); err != nil {
		tmp.Close()
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	if err := tmp.Close(); err != nil {
		s.fail(w, fmt.Errorf("close temp file: %w", err))
		return
	}

	src := upload.Source{
		Path:     tmp.Name(),
		Name:     filepath.Base(name),
		MimeType: r.Header.Get("X-Content-Type"),
		UploadID: r.URL.Query().Get("upload_id"),
	}
	res, err := s.deps.Uploads.Orchestrate(ctx, src, s.chunkSize)
	if err != nil {
		s.fail(w, err)
		return
	}
	m := res.Manifest
	if err := s.deps.Media.Create(ctx, &models.MediaRecord{ID: m.ID, ManifestID: m.ID, Orientation: models.Landscape, UpdatedAt: m.UpdatedAt}); err != nil {
		s.log.Warn("Failed to create media record", zap.String("upload_id", m.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		UploadID:    m.ID,
		FileName:    m.OriginalFilename,
		FileSize:    m.FileSize,
		TotalChunks: m.TotalChunks,
		ChunkKeys:   m.ChunkKeys,
		Uploaded:    res.Uploaded,
		Skipped:     res.Skipped,
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.deps.Progress.GetProgress(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if p == nil {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type streamResponse struct {
	ManifestID  string         `json:"manifest_id"`
	URLs        []string       `json:"urls"`
	Chunks      []int          `json:"chunks"`
	TotalChunks int            `json:"total_chunks"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Degraded    bool           `json:"degraded"`
	Warning     string         `json:"warning,omitempty"`
	Playback    playbackPolicy `json:"playback"`
}

type playbackPolicy struct {
	MinBufferSeconds  float64 `json:"min_buffer_seconds"`
	ThresholdFraction float64 `json:"threshold_fraction"`
	FloorSeconds      float64 `json:"floor_seconds"`
	TickIntervalMS    int64   `json:"tick_interval_ms"`
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.deps.Streams.Fresh(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := streamResponse{
		ManifestID:  res.ManifestID,
		URLs:        res.URLs(),
		Chunks:      res.Chunks(),
		TotalChunks: res.TotalChunks,
		ExpiresAt:   res.ExpiresAt,
		Degraded:    res.Degraded(),
		Playback: playbackPolicy{
			MinBufferSeconds:  s.deps.Playback.MinBufferSeconds,
			ThresholdFraction: s.deps.Playback.ThresholdFraction,
			FloorSeconds:      s.deps.Playback.FloorSeconds,
			TickIntervalMS:    s.deps.Playback.TickInterval.Milliseconds(),
		},
	}
	if warn := res.Warning(); warn != nil {
		resp.Warning = warn.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type thumbnailsResponse struct {
	Candidates []models.ThumbnailCandidate `json:"candidates"`
	Warning    string                      `json:"warning,omitempty"`
}

// generateThumbnails handles POST /media/{id}/thumbnails[?count=N] from the first stored chunk.
func (s *Server) generateThumbnails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	rec, err := s.deps.Media.Get(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		err = mediaerr.NotFound(mediaerr.CodeMediaNotFound, fmt.Sprintf("media %s not found", id))
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	m, err := s.deps.Manifests.Get(ctx, rec.ManifestID)
	if errors.Is(err, records.ErrNotFound) {
		err = mediaerr.NotFound(mediaerr.CodeManifestNotFound, fmt.Sprintf("manifest %s not found", rec.ManifestID))
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	candidates, genErr := s.deps.Thumbnails.GenerateFromManifest(ctx, m, count)
	if genErr != nil && len(candidates) == 0 {
		s.fail(w, genErr)
		return
	}
	uploaded, err := s.deps.Thumbnails.UploadCandidates(ctx, id, candidates)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := thumbnailsResponse{Candidates: uploaded}
	if genErr != nil {
		resp.Warning = genErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) selectThumbnail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var c models.ThumbnailCandidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	rec, err := s.deps.Thumbnails.Select(r.Context(), id, c)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retries int    `json:"retries,omitempty"`
}

// fail maps err onto a status code and writes it as JSON.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Code: "INTERNAL", Message: err.Error()}
	if typed := mediaerr.As(err); typed != nil {
		resp.Code = string(typed.Code)
		resp.Retries = typed.Retries
		switch typed.Kind {
		case mediaerr.KindNotFound:
			status = http.StatusNotFound
		case mediaerr.KindIntegrity:
			status = http.StatusUnprocessableEntity
		case mediaerr.KindTimeout:
			status = http.StatusGatewayTimeout
		case mediaerr.KindTransientTransfer, mediaerr.KindRetryExhausted, mediaerr.KindDegradedManifest:
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		s.log.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
