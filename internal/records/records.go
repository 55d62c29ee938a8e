// Package records persists upload manifests and media records.
package records

import (
	"context"
	"errors"

	"video-chunk-pipeline/internal/models"
)

var ErrNotFound = errors.New("records: not found")

type ManifestRepository interface {
	// Insert writes the manifest; writing the same id again replaces the row.
	Insert(ctx context.Context, m *models.UploadManifest) error
	Get(ctx context.Context, id string) (*models.UploadManifest, error)
}

type MediaRepository interface {
	Create(ctx context.Context, rec *models.MediaRecord) error
	Get(ctx context.Context, id string) (*models.MediaRecord, error)
	Update(ctx context.Context, rec *models.MediaRecord) error
}
