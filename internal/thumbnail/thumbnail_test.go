package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/loader"
	"video-chunk-pipeline/internal/mediaerr"
	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/objectstore/objectstoretest"
	"video-chunk-pipeline/internal/records/recordstest"
)

type fakeFrames struct {
	meta     Metadata
	probeErr error
	// block makes every frame after the first n wait for the context.
	block int

	mu    sync.Mutex
	calls []float64
	sizes [][2]int
}

func (f *fakeFrames) Probe(ctx context.Context, path string) (Metadata, error) {
	return f.meta, f.probeErr
}

func (f *fakeFrames) Frame(ctx context.Context, path string, at float64, width, height int) (image.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, at)
	f.sizes = append(f.sizes, [2]int{width, height})
	n := len(f.calls)
	f.mu.Unlock()
	if f.block > 0 && n > f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

func newService(frames FrameSource, timeout time.Duration) (*Service, *objectstoretest.Fake, *recordstest.Media) {
	store := objectstoretest.New()
	media := recordstest.NewMedia(&models.MediaRecord{ID: "m1", Orientation: models.Landscape})
	cfg := Config{Bucket: "media", Prefix: "thumbnails", Count: 5, Timeout: timeout, Quality: 85}
	return NewService(frames, store, media, cfg, zap.NewNop()), store, media
}

func TestTimestamps(t *testing.T) {
	assert.Equal(t, []float64{5, 10, 15, 20, 25}, Timestamps(30, 5))
	assert.Equal(t, []float64{5}, Timestamps(10, 1))
}

func TestCanvas(t *testing.T) {
	w, h, vertical := Canvas(1920, 1080)
	assert.Equal(t, [3]any{1280, 720, false}, [3]any{w, h, vertical})

	w, h, vertical = Canvas(1080, 1920)
	assert.Equal(t, [3]any{720, 1280, true}, [3]any{w, h, vertical})

	// Odd heights round up to even for the encoder.
	_, h, _ = Canvas(640, 1139)
	assert.Equal(t, 1282, h)

	_, _, vertical = Canvas(1000, 1000)
	assert.False(t, vertical, "square is landscape")
}

func TestGenerate(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 30, Width: 1920, Height: 1080}}
	svc, _, _ := newService(frames, time.Second)

	got, err := svc.Generate(context.Background(), "video.mp4", 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, c := range got {
		assert.Equal(t, float64(5*(i+1)), c.Timestamp)
		assert.False(t, c.IsVertical)
		assert.Equal(t, 1280, c.Width)
		assert.Equal(t, 720, c.Height)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(c.Image))
		require.NoError(t, err)
		assert.Equal(t, 1280, cfg.Width)
	}
}

func TestGenerate_Portrait(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 12, Width: 1080, Height: 1920}}
	svc, _, _ := newService(frames, time.Second)

	got, err := svc.Generate(context.Background(), "video.mp4", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].IsVertical)
	assert.Equal(t, [2]int{720, 1280}, frames.sizes[0])
}

func TestGenerate_TimeoutKeepsPartial(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 30, Width: 640, Height: 360}, block: 2}
	svc, _, _ := newService(frames, 50*time.Millisecond)

	got, err := svc.Generate(context.Background(), "video.mp4", 5)
	assert.Len(t, got, 2)
	assert.ErrorIs(t, err, mediaerr.ErrTimeout)
	assert.Equal(t, mediaerr.CodeThumbnailTimeout, mediaerr.As(err).Code)
}

func TestGenerate_TimeoutWithNothingFails(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 30, Width: 640, Height: 360}}
	blockAll := &blockingFrames{fakeFrames: frames}
	svc, _, _ := newService(blockAll, 20*time.Millisecond)

	got, err := svc.Generate(context.Background(), "video.mp4", 5)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, mediaerr.ErrTimeout)
}

type blockingFrames struct{ *fakeFrames }

func (b *blockingFrames) Frame(ctx context.Context, path string, at float64, width, height int) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGenerate_ProbeFailure(t *testing.T) {
	svc, _, _ := newService(&fakeFrames{probeErr: errors.New("not a video")}, time.Second)
	_, err := svc.Generate(context.Background(), "video.mp4", 5)
	assert.ErrorContains(t, err, "not a video")
}

func TestGenerate_ParentCancelled(t *testing.T) {
	svc, _, _ := newService(&fakeFrames{meta: Metadata{Duration: 30, Width: 640, Height: 360}}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Generate(ctx, "video.mp4", 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadAndSelect(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 30, Width: 1080, Height: 1920}}
	svc, store, media := newService(frames, time.Second)
	ctx := context.Background()

	candidates, err := svc.Generate(ctx, "video.mp4", 5)
	require.NoError(t, err)
	uploaded, err := svc.UploadCandidates(ctx, "m1", candidates)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"thumbnails/m1_10000.jpg", "thumbnails/m1_15000.jpg", "thumbnails/m1_20000.jpg",
		"thumbnails/m1_25000.jpg", "thumbnails/m1_5000.jpg",
	}, store.Keys("media"))
	obj, ok := store.Object("media", "thumbnails/m1_5000.jpg")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, store.ObjectURL("media", "thumbnails/m1_5000.jpg"), uploaded[0].StoredURL)

	rec, err := svc.Select(ctx, "m1", uploaded[2])
	require.NoError(t, err)
	assert.Equal(t, uploaded[2].StoredURL, rec.ThumbnailURL)
	assert.Equal(t, models.Portrait, rec.Orientation)

	stored, err := media.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.Portrait, stored.Orientation)
}

func TestSelect_Errors(t *testing.T) {
	svc, _, _ := newService(&fakeFrames{}, time.Second)
	ctx := context.Background()

	_, err := svc.Select(ctx, "m1", models.ThumbnailCandidate{Timestamp: 1})
	assert.ErrorContains(t, err, "not uploaded")

	_, err = svc.Select(ctx, "missing", models.ThumbnailCandidate{StoredURL: "https://x/y.jpg"})
	assert.ErrorIs(t, err, mediaerr.ErrNotFound)
	assert.Equal(t, mediaerr.CodeMediaNotFound, mediaerr.As(err).Code)
}

func TestGenerateFromManifest(t *testing.T) {
	frames := &fakeFrames{meta: Metadata{Duration: 30, Width: 1920, Height: 1080}}
	svc, store, _ := newService(frames, time.Second)
	ctx := context.Background()

	key := "videos/u1/clip_chunk_0_of_2.mp4"
	require.NoError(t, store.Put(ctx, "media", key, bytes.NewReader([]byte("chunk-zero")), 10, "video/mp4"))
	m := &models.UploadManifest{
		ID: "u1", TotalChunks: 2, StorageBucket: "media",
		ChunkKeys: []string{key, "videos/u1/clip_chunk_1_of_2.mp4"},
	}

	var sampled string
	pathCheck := &pathFrames{fakeFrames: frames, seen: &sampled}
	svc.frames = pathCheck

	got, err := svc.GenerateFromManifest(ctx, m, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, ".mp4", filepath.Ext(sampled))
	_, statErr := os.Stat(sampled)
	assert.True(t, os.IsNotExist(statErr), "temp file removed")

	_, err = svc.GenerateFromManifest(ctx, &models.UploadManifest{ID: "empty"}, 2)
	assert.ErrorIs(t, err, mediaerr.ErrNotFound)
}

type pathFrames struct {
	*fakeFrames
	seen *string
}

func (p *pathFrames) Probe(ctx context.Context, path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	if string(data) != "chunk-zero" {
		return Metadata{}, errors.New("unexpected chunk content")
	}
	*p.seen = path
	return p.fakeFrames.Probe(ctx, path)
}

type staticURLs struct {
	url string
	err error
}

func (s staticURLs) Load(ctx context.Context, bucket, key string) (*loader.Loaded, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &loader.Loaded{URL: s.url + "/" + key}, nil
}

type recordingFrames struct {
	*fakeFrames
	probed string
}

func (r *recordingFrames) Probe(ctx context.Context, path string) (Metadata, error) {
	r.probed = path
	return r.fakeFrames.Probe(ctx, path)
}

func TestGenerateFromManifest_ViaURLSource(t *testing.T) {
	frames := &recordingFrames{fakeFrames: &fakeFrames{meta: Metadata{Duration: 30, Width: 1920, Height: 1080}}}
	store := objectstoretest.New()
	svc := NewService(frames, store, recordstest.NewMedia(), Config{Bucket: "media", Timeout: time.Second}, zap.NewNop(),
		WithURLSource(staticURLs{url: "https://signed.example"}))
	m := &models.UploadManifest{ID: "u1", TotalChunks: 1, StorageBucket: "media", ChunkKeys: []string{"videos/u1/a_chunk_0_of_1.mp4"}}

	got, err := svc.GenerateFromManifest(context.Background(), m, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "https://signed.example/videos/u1/a_chunk_0_of_1.mp4", frames.probed)

	missing := mediaerr.RetryExhausted(mediaerr.CodeVideoNotFound, 3, errors.New("404"))
	svc = NewService(frames, store, recordstest.NewMedia(), Config{Bucket: "media"}, zap.NewNop(), WithURLSource(staticURLs{err: missing}))
	_, err = svc.GenerateFromManifest(context.Background(), m, 3)
	assert.ErrorIs(t, err, mediaerr.ErrRetryExhausted)
}
