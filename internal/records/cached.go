package records

import (
	"context"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
)

// ManifestCache is satisfied by redisstore.Store. GetManifest returns nil, nil on a miss.
type ManifestCache interface {
	GetManifest(ctx context.Context, id string) (*models.UploadManifest, error)
	SetManifest(ctx context.Context, m *models.UploadManifest) error
}

// CachedManifests reads through the cache to the repository. Cache failures never fail a call.
type CachedManifests struct {
	repo  ManifestRepository
	cache ManifestCache
	log   *zap.Logger
}

func NewCachedManifests(repo ManifestRepository, cache ManifestCache, log *zap.Logger) *CachedManifests {
	return &CachedManifests{repo: repo, cache: cache, log: log.Named("manifests")}
}

func (c *CachedManifests) Insert(ctx context.Context, m *models.UploadManifest) error {
	if err := c.repo.Insert(ctx, m); err != nil {
		return err
	}
	c.store(ctx, m)
	return nil
}

func (c *CachedManifests) Get(ctx context.Context, id string) (*models.UploadManifest, error) {
	cached, err := c.cache.GetManifest(ctx, id)
	if err != nil {
		metrics.RedisErrors.Inc()
		c.log.Warn("Manifest cache read failed", zap.String("manifest_id", id), zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	m, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, m)
	return m, nil
}

func (c *CachedManifests) store(ctx context.Context, m *models.UploadManifest) {
	if err := c.cache.SetManifest(ctx, m); err != nil {
		metrics.RedisErrors.Inc()
		c.log.Warn("Manifest cache write failed", zap.String("manifest_id", m.ID), zap.Error(err))
	}
}
