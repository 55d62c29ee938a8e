// Package redisstore provides Redis-backed checkpointing and progress tracking for chunked uploads,
// and a short-lived cache of persisted upload manifests.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/config"
	"video-chunk-pipeline/internal/models"
)

const (
	chunkPrefix    = "chunk_uploaded:"
	progressPrefix = "upload_progress:"
	statusPrefix   = "upload_status:"
	manifestPrefix = "manifest:"
)

type Store interface {
	SetChunkUploaded(ctx context.Context, uploadID string, chunkIdx int, checksum string) error
	// ChunkChecksum returns "" when the chunk was never checkpointed.
	ChunkChecksum(ctx context.Context, uploadID string, chunkIdx int) (string, error)
	ClearChunks(ctx context.Context, uploadID string, total int) error
	SetProgress(ctx context.Context, p models.UploadProgress) error
	GetProgress(ctx context.Context, uploadID string) (*models.UploadProgress, error)
	SetStatus(ctx context.Context, uploadID string, status models.ManifestStatus) error
	GetStatus(ctx context.Context, uploadID string) (models.ManifestStatus, error)
	ScanIncomplete(ctx context.Context) ([]string, error)
	// GetManifest returns nil, nil on a cache miss.
	GetManifest(ctx context.Context, id string) (*models.UploadManifest, error)
	SetManifest(ctx context.Context, m *models.UploadManifest) error
	Ping(ctx context.Context) error
	Close() error
}

type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type redisStore struct {
	client      RedisClient
	progressTTL time.Duration
	manifestTTL time.Duration
	log         *zap.Logger
}

func New(cfg config.RedisConfig, log *zap.Logger) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStore{
		client:      client,
		progressTTL: cfg.ProgressTTL,
		manifestTTL: cfg.ManifestTTL,
		log:         log.Named("redisstore"),
	}
}

func chunkKey(uploadID string, chunkIdx int) string {
	return chunkPrefix + uploadID + ":" + itoa(chunkIdx)
}

// SetChunkUploaded stores the chunk's SHA-256 as the checkpoint value.
func (r *redisStore) SetChunkUploaded(ctx context.Context, uploadID string, chunkIdx int, checksum string) error {
	return r.client.Set(ctx, chunkKey(uploadID, chunkIdx), checksum, r.progressTTL).Err()
}

func (r *redisStore) ChunkChecksum(ctx context.Context, uploadID string, chunkIdx int) (string, error) {
	res, err := r.client.Get(ctx, chunkKey(uploadID, chunkIdx)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

// ClearChunks forgets every per-chunk checkpoint of an upload.
func (r *redisStore) ClearChunks(ctx context.Context, uploadID string, total int) error {
	if total <= 0 {
		return nil
	}
	keys := make([]string, total)
	for i := range keys {
		keys[i] = chunkKey(uploadID, i)
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisStore) SetProgress(ctx context.Context, p models.UploadProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return r.client.Set(ctx, progressPrefix+p.UploadID, data, r.progressTTL).Err()
}

func (r *redisStore) GetProgress(ctx context.Context, uploadID string) (*models.UploadProgress, error) {
	data, err := r.client.Get(ctx, progressPrefix+uploadID).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var p models.UploadProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	if status, err := r.GetStatus(ctx, uploadID); err == nil && status != "" {
		p.Status = status
	}
	return &p, nil
}

func (r *redisStore) SetStatus(ctx context.Context, uploadID string, status models.ManifestStatus) error {
	return r.client.Set(ctx, statusPrefix+uploadID, string(status), r.progressTTL).Err()
}

// GetStatus returns "" when no status was recorded.
func (r *redisStore) GetStatus(ctx context.Context, uploadID string) (models.ManifestStatus, error) {
	res, err := r.client.Get(ctx, statusPrefix+uploadID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return models.ManifestStatus(res), err
}

// ScanIncomplete lists uploads whose last recorded status is not complete.
func (r *redisStore) ScanIncomplete(ctx context.Context) ([]string, error) {
	var uploads []string
	iter := r.client.Scan(ctx, 0, statusPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		status, err := r.client.Get(ctx, key).Result()
		if err == nil && models.ManifestStatus(status) != models.StatusComplete {
			uploads = append(uploads, key[len(statusPrefix):])
		}
	}
	return uploads, iter.Err()
}

func (r *redisStore) GetManifest(ctx context.Context, id string) (*models.UploadManifest, error) {
	data, err := r.client.Get(ctx, manifestPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get cached manifest: %w", err)
	}
	var m models.UploadManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal cached manifest: %w", err)
	}
	return &m, nil
}

func (r *redisStore) SetManifest(ctx context.Context, m *models.UploadManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return r.client.Set(ctx, manifestPrefix+m.ID, data, r.manifestTTL).Err()
}

func (r *redisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func itoa(i int) string {
	return fmt.Sprintf("%05d", i)
}
