package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(5242880), cfg.Upload.ChunkSize)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.Equal(t, 3, cfg.Loader.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Loader.URLExpiry)
	assert.Equal(t, 5.0, cfg.Playback.MinBufferSeconds)
	assert.Equal(t, 0.1, cfg.Playback.ThresholdFraction)
	assert.Equal(t, 30*time.Second, cfg.Thumbnail.Timeout)
	assert.Equal(t, "minio", cfg.Storage.Backend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "1024")
	t.Setenv("UPLOAD_WORKERS", "9")
	t.Setenv("VIDEO_FILE_FORMATS", "MP4, mkv ,")
	t.Setenv("SIGNED_URL_EXPIRY", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1024), cfg.Upload.ChunkSize)
	assert.Equal(t, 9, cfg.Upload.Workers)
	assert.Equal(t, []string{".mp4", ".mkv"}, cfg.Watcher.VideoFileFormats)
	assert.Equal(t, 15*time.Minute, cfg.Streaming.SignedURLExpiry)
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "ftp")

	_, err := Load()
	assert.ErrorContains(t, err, "STORAGE_BACKEND")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Upload.ChunkSize = 0 }},
		{"zero upload attempts", func(c *Config) { c.Upload.MaxAttempts = 0 }},
		{"zero loader attempts", func(c *Config) { c.Loader.MaxAttempts = 0 }},
		{"zero thumbnails", func(c *Config) { c.Thumbnail.Count = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := &Config{
				Storage:   StorageConfig{Backend: "minio"},
				Upload:    UploadConfig{ChunkSize: 1, MaxAttempts: 1},
				Loader:    LoaderConfig{MaxAttempts: 1},
				Thumbnail: ThumbnailConfig{Count: 1},
			}
			require.NoError(t, cfg.Validate())
			c.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
