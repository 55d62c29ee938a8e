package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/objectstore/objectstoretest"
	"video-chunk-pipeline/internal/playback"
	"video-chunk-pipeline/internal/records/recordstest"
	"video-chunk-pipeline/internal/streaming"
	"video-chunk-pipeline/internal/upload"
)

type fakeUploads struct {
	gotSource upload.Source
	gotBody   string
	err       error
}

func (f *fakeUploads) Orchestrate(ctx context.Context, src upload.Source, chunkSize int64, opts ...upload.Option) (*upload.Result, error) {
	f.gotSource = src
	data, _ := os.ReadFile(src.Path)
	f.gotBody = string(data)
	if f.err != nil {
		return nil, f.err
	}
	id := src.UploadID
	if id == "" {
		id = "generated"
	}
	return &upload.Result{
		Manifest: &models.UploadManifest{
			ID: id, OriginalFilename: src.Name, FileSize: int64(len(data)), TotalChunks: 1,
			ChunkKeys: []string{"videos/" + id + "/clip_chunk_0_of_1.mp4"}, Status: models.StatusComplete,
		},
		Uploaded: 1,
	}, nil
}

type fakeProgress map[string]*models.UploadProgress

func (f fakeProgress) GetProgress(ctx context.Context, id string) (*models.UploadProgress, error) {
	return f[id], nil
}

type fakeThumbnails struct {
	generated []models.ThumbnailCandidate
	genErr    error
	selected  models.ThumbnailCandidate
}

func (f *fakeThumbnails) GenerateFromManifest(ctx context.Context, m *models.UploadManifest, count int) ([]models.ThumbnailCandidate, error) {
	return f.generated, f.genErr
}

func (f *fakeThumbnails) UploadCandidates(ctx context.Context, mediaID string, cs []models.ThumbnailCandidate) ([]models.ThumbnailCandidate, error) {
	out := make([]models.ThumbnailCandidate, len(cs))
	for i, c := range cs {
		c.StoredURL = "https://objects.example/" + mediaID
		out[i] = c
	}
	return out, nil
}

func (f *fakeThumbnails) Select(ctx context.Context, mediaID string, c models.ThumbnailCandidate) (*models.MediaRecord, error) {
	if mediaID == "missing" {
		return nil, mediaerr.NotFound(mediaerr.CodeMediaNotFound, "media missing not found")
	}
	f.selected = c
	return &models.MediaRecord{ID: mediaID, ThumbnailURL: c.StoredURL, Orientation: models.OrientationOf(c.IsVertical)}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	uploads    *fakeUploads
	thumbnails *fakeThumbnails
	store      *objectstoretest.Fake
	media      *recordstest.Media
	router     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manifests := recordstest.NewManifests(
		&models.UploadManifest{
			ID: "m1", TotalChunks: 3, Status: models.StatusComplete, StorageBucket: "media",
			ChunkKeys: []string{"k0", "k1", "k2"},
		},
		&models.UploadManifest{ID: "partial", TotalChunks: 3, Status: models.StatusInProgress, ChunkKeys: []string{"k0"}},
	)
	store := objectstoretest.New()
	store.SignHook = func(key string) (string, error) { return "https://signed.example/" + key, nil }
	builder := streaming.NewBuilder(manifests, store, 2, zap.NewNop())

	f := &fixture{
		uploads:    &fakeUploads{},
		thumbnails: &fakeThumbnails{},
		store:      store,
		media:      recordstest.NewMedia(&models.MediaRecord{ID: "v1", ManifestID: "m1"}),
	}
	srv := New(Deps{
		Uploads:    f.uploads,
		Progress:   fakeProgress{"u1": {UploadID: "u1", Completed: 2, Total: 4, Status: models.StatusInProgress}},
		Streams:    streaming.NewProvider(builder, time.Hour, time.Minute),
		Thumbnails: f.thumbnails,
		Manifests:  manifests,
		Media:      f.media,
		Health:     map[string]Pinger{"redis": pinger{}},
		Playback: playback.Policy{
			Thresholds:   playback.Thresholds{MinBufferSeconds: 8, ThresholdFraction: 0.2, FloorSeconds: 2},
			TickInterval: 500 * time.Millisecond,
		},
	}, 1024, zap.NewNop())
	f.router = srv.Router()
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealth_DependencyDown(t *testing.T) {
	srv := New(Deps{Health: map[string]Pinger{"mysql": pinger{err: errors.New("dial tcp: refused")}}}, 1, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "mysql")
}

func TestMetricsRoute(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vcp_")
}

func TestCreateUpload(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/uploads?name=clip.mp4&upload_id=u9", "file-bytes")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[uploadResponse](t, rec)
	assert.Equal(t, "u9", resp.UploadID)
	assert.Equal(t, 1, resp.Uploaded)
	assert.Equal(t, "file-bytes", f.uploads.gotBody)
	assert.Equal(t, "clip.mp4", f.uploads.gotSource.Name)

	_, err := os.Stat(f.uploads.gotSource.Path)
	assert.True(t, os.IsNotExist(err), "temp file removed")

	media, err := f.media.Get(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, "u9", media.ManifestID)
}

func TestCreateUpload_Errors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/uploads", "x").Code)

	f.uploads.err = mediaerr.RetryExhausted(mediaerr.CodeRetryExhausted, 3, errors.New("503"))
	rec := f.do(http.MethodPost, "/uploads?name=clip.mp4", "x")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "RETRY_EXHAUSTED", resp.Code)
	assert.Equal(t, 3, resp.Retries)

	f.uploads.err = mediaerr.Integrity("chunk 0 is image/png", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/uploads?name=clip.mp4", "x").Code)
}

func TestGetProgress(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/uploads/u1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[models.UploadProgress](t, rec)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 4, p.Total)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/uploads/nope/progress", "").Code)
}

func TestGetStream(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/manifests/m1/stream", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[streamResponse](t, rec)
	assert.Equal(t, []string{"https://signed.example/k0", "https://signed.example/k1", "https://signed.example/k2"}, resp.URLs)
	assert.Equal(t, []int{0, 1, 2}, resp.Chunks)
	assert.False(t, resp.Degraded)
	assert.Empty(t, resp.Warning)
	assert.Equal(t, playbackPolicy{MinBufferSeconds: 8, ThresholdFraction: 0.2, FloorSeconds: 2, TickIntervalMS: 500}, resp.Playback)
}

func TestNew_DefaultsPlaybackPolicy(t *testing.T) {
	srv := New(Deps{}, 1024, zap.NewNop())
	assert.Equal(t, playback.DefaultPolicy(), srv.deps.Playback)
}

func TestGetStream_Degraded(t *testing.T) {
	f := newFixture(t)
	f.store.SignHook = func(key string) (string, error) {
		if key == "k1" {
			return "", errors.New("signing backend down")
		}
		return "https://signed.example/" + key, nil
	}
	rec := f.do(http.MethodGet, "/manifests/m1/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[streamResponse](t, rec)
	assert.Equal(t, []int{0, 2}, resp.Chunks)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Warning)
}

func TestGetStream_Errors(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/manifests/unknown/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MANIFEST_NOT_FOUND", decode[errorResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/manifests/partial/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MANIFEST_INCOMPLETE", decode[errorResponse](t, rec).Code)
}

func TestGenerateThumbnails(t *testing.T) {
	f := newFixture(t)
	f.thumbnails.generated = []models.ThumbnailCandidate{{Timestamp: 5}, {Timestamp: 10}}
	f.thumbnails.genErr = mediaerr.Timeout("generated 2 of 5 thumbnails", context.DeadlineExceeded)

	rec := f.do(http.MethodPost, "/media/v1/thumbnails?count=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[thumbnailsResponse](t, rec)
	assert.Len(t, resp.Candidates, 2)
	assert.Equal(t, "https://objects.example/v1", resp.Candidates[0].StoredURL)
	assert.Contains(t, resp.Warning, "THUMBNAIL_TIMEOUT")
}

func TestGenerateThumbnails_Errors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/media/v1/thumbnails?count=zero", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/media/ghost/thumbnails", "").Code)

	f.thumbnails.genErr = mediaerr.Timeout("no thumbnails before timeout", context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, f.do(http.MethodPost, "/media/v1/thumbnails", "").Code)
}

func TestSelectThumbnail(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, "/media/v1/thumbnail", `{"timestamp":5,"is_vertical":true,"stored_url":"https://objects.example/t.jpg"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.MediaRecord](t, rec)
	assert.Equal(t, models.Portrait, got.Orientation)
	assert.Equal(t, 5.0, f.thumbnails.selected.Timestamp)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/media/v1/thumbnail", "{").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/media/missing/thumbnail", `{"stored_url":"x"}`).Code)
}
