// Package config loads and manages application configuration from .env files and environment variables.
// All key parameters, including chunk size, retry budgets and supported video file formats, are configurable via .env.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Storage   StorageConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Upload    UploadConfig
	Streaming StreamingConfig
	Loader    LoaderConfig
	Playback  PlaybackConfig
	Thumbnail ThumbnailConfig
	Watcher   WatcherConfig
	Server    ServerConfig
}

type StorageConfig struct {
	Backend        string `envconfig:"STORAGE_BACKEND" default:"minio"`
	Bucket         string `envconfig:"STORAGE_BUCKET" default:"media-chunks"`
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	// GCSCredentialsFile is optional; application default credentials are used when empty.
	GCSCredentialsFile string `envconfig:"GCS_CREDENTIALS_FILE"`
}

type RedisConfig struct {
	Addr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	ManifestTTL time.Duration `envconfig:"REDIS_MANIFEST_TTL" default:"5m"`
	ProgressTTL time.Duration `envconfig:"REDIS_PROGRESS_TTL" default:"168h"`
}

type DatabaseConfig struct {
	DSN          string `envconfig:"MYSQL_DSN" default:"root:@tcp(localhost:3306)/media?charset=utf8mb4&parseTime=True&loc=UTC"`
	MaxOpenConns int    `envconfig:"MYSQL_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int    `envconfig:"MYSQL_MAX_IDLE_CONNS" default:"5"`
}

type UploadConfig struct {
	ChunkSize   int64         `envconfig:"CHUNK_SIZE" default:"5242880"`
	Workers     int           `envconfig:"UPLOAD_WORKERS" default:"4"`
	MaxAttempts int           `envconfig:"UPLOAD_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"UPLOAD_BASE_DELAY" default:"1s"`
	BasePrefix  string        `envconfig:"UPLOAD_BASE_PREFIX" default:"videos"`
}

type StreamingConfig struct {
	SignedURLExpiry time.Duration `envconfig:"SIGNED_URL_EXPIRY" default:"1h"`
	SignWorkers     int           `envconfig:"SIGN_WORKERS" default:"8"`
	ExpirySkew      time.Duration `envconfig:"SIGNED_URL_EXPIRY_SKEW" default:"30s"`
}

type LoaderConfig struct {
	MaxAttempts  int           `envconfig:"LOADER_MAX_ATTEMPTS" default:"3"`
	BaseDelay    time.Duration `envconfig:"LOADER_BASE_DELAY" default:"1s"`
	URLExpiry    time.Duration `envconfig:"LOADER_URL_EXPIRY" default:"1h"`
	ProbeTimeout time.Duration `envconfig:"LOADER_PROBE_TIMEOUT" default:"10s"`
}

type PlaybackConfig struct {
	MinBufferSeconds  float64       `envconfig:"BUFFER_MIN_SECONDS" default:"5"`
	ThresholdFraction float64       `envconfig:"BUFFER_THRESHOLD_FRACTION" default:"0.1"`
	FloorSeconds      float64       `envconfig:"BUFFER_FLOOR_SECONDS" default:"1"`
	TickInterval      time.Duration `envconfig:"PLAYBACK_TICK_INTERVAL" default:"250ms"`
}

type ThumbnailConfig struct {
	Count       int           `envconfig:"THUMBNAIL_COUNT" default:"5"`
	Timeout     time.Duration `envconfig:"THUMBNAIL_TIMEOUT" default:"30s"`
	Quality     int           `envconfig:"THUMBNAIL_QUALITY" default:"85"`
	FFmpegPath  string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	Prefix      string        `envconfig:"THUMBNAIL_PREFIX" default:"thumbnails"`
}

type WatcherConfig struct {
	Enabled            bool     `envconfig:"WATCH_ENABLED" default:"true"`
	Dir                string   `envconfig:"WATCH_DIR" default:"./input_files"`
	StabilityThreshold int      `envconfig:"STABILITY_THRESHOLD" default:"15"`
	WorkerCount        int      `envconfig:"WORKER_COUNT" default:"2"`
	VideoFileFormats   []string `envconfig:"VIDEO_FILE_FORMATS" default:".mp4,.mkv,.mov,.webm"`
}

type ServerConfig struct {
	HTTPAddr       string `envconfig:"HTTP_ADDR" default:":8080"`
	PrometheusPort string `envconfig:"PROMETHEUS_PORT" default:"2112"`
	ServiceName    string `envconfig:"SERVICE_NAME" default:"video-chunk-pipeline"`
	// OTELEndpoint disables tracing export when empty.
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Watcher.VideoFileFormats = normalizeFormats(cfg.Watcher.VideoFileFormats)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Upload.ChunkSize <= 0:
		return fmt.Errorf("config: CHUNK_SIZE must be positive, got %d", c.Upload.ChunkSize)
	case c.Upload.MaxAttempts <= 0:
		return fmt.Errorf("config: UPLOAD_MAX_ATTEMPTS must be positive, got %d", c.Upload.MaxAttempts)
	case c.Loader.MaxAttempts <= 0:
		return fmt.Errorf("config: LOADER_MAX_ATTEMPTS must be positive, got %d", c.Loader.MaxAttempts)
	case c.Thumbnail.Count <= 0:
		return fmt.Errorf("config: THUMBNAIL_COUNT must be positive, got %d", c.Thumbnail.Count)
	case c.Storage.Backend != "minio" && c.Storage.Backend != "gcs":
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	return nil
}

// normalizeFormats lower-cases extensions and makes sure each starts with a dot.
func normalizeFormats(formats []string) []string {
	var out []string
	for _, f := range formats {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		out = append(out, strings.ToLower(f))
	}
	return out
}
