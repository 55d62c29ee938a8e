package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"video-chunk-pipeline/internal/models"
)

var tracer = otel.Tracer("video-chunk-pipeline/records")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS upload_manifests (
		id VARCHAR(64) PRIMARY KEY,
		original_filename VARCHAR(512) NOT NULL,
		mime_type VARCHAR(128) NOT NULL,
		file_size BIGINT NOT NULL,
		total_chunks INT NOT NULL,
		chunk_size BIGINT NOT NULL,
		chunk_keys JSON NOT NULL,
		storage_bucket VARCHAR(255) NOT NULL,
		base_path VARCHAR(1024) NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id VARCHAR(64) PRIMARY KEY,
		manifest_id VARCHAR(64) NOT NULL,
		thumbnail_url VARCHAR(2048) NOT NULL DEFAULT '',
		orientation VARCHAR(16) NOT NULL DEFAULT 'landscape',
		updated_at DATETIME(3) NOT NULL
	)`,
}

// MySQL implements ManifestRepository and MediaRepository on database/sql.
type MySQL struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQL(dsn string, maxOpen, maxIdle int) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &MySQL{db: db, now: time.Now}, nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

// Migrate creates the tables when they are missing.
func (m *MySQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Insert(ctx context.Context, man *models.UploadManifest) error {
	ctx, span := tracer.Start(ctx, "mysql.insert_manifest",
		trace.WithAttributes(
			attribute.String("manifest_id", man.ID),
			attribute.Int("total_chunks", man.TotalChunks),
		),
	)
	defer span.End()

	keys, err := encodeKeys(man.ChunkKeys)
	if err != nil {
		return err
	}
	query := `INSERT INTO upload_manifests
		(id, original_filename, mime_type, file_size, total_chunks, chunk_size, chunk_keys,
		 storage_bucket, base_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		 original_filename = VALUES(original_filename), mime_type = VALUES(mime_type),
		 file_size = VALUES(file_size), total_chunks = VALUES(total_chunks),
		 chunk_size = VALUES(chunk_size), chunk_keys = VALUES(chunk_keys),
		 storage_bucket = VALUES(storage_bucket), base_path = VALUES(base_path),
		 status = VALUES(status), updated_at = VALUES(updated_at)`

	_, err = m.db.ExecContext(ctx, query, man.ID, man.OriginalFilename, man.MimeType, man.FileSize,
		man.TotalChunks, man.ChunkSize, keys, man.StorageBucket, man.BasePath, string(man.Status),
		man.CreatedAt, man.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert manifest %s: %w", man.ID, err)
	}
	return nil
}

func (m *MySQL) Get(ctx context.Context, id string) (*models.UploadManifest, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_manifest",
		trace.WithAttributes(attribute.String("manifest_id", id)),
	)
	defer span.End()

	query := `SELECT id, original_filename, mime_type, file_size, total_chunks, chunk_size, chunk_keys,
		storage_bucket, base_path, status, created_at, updated_at
		FROM upload_manifests WHERE id = ?`

	var (
		man    models.UploadManifest
		keys   []byte
		status string
	)
	err := m.db.QueryRowContext(ctx, query, id).Scan(
		&man.ID, &man.OriginalFilename, &man.MimeType, &man.FileSize, &man.TotalChunks,
		&man.ChunkSize, &keys, &man.StorageBucket, &man.BasePath, &status, &man.CreatedAt, &man.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("manifest %s: %w", id, ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query manifest %s: %w", id, err)
	}
	man.Status = models.ManifestStatus(status)
	if man.ChunkKeys, err = decodeKeys(keys); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}
	return &man, nil
}

// Media returns the media view of the same database.
func (m *MySQL) Media() *MySQLMedia {
	return &MySQLMedia{db: m.db, now: m.now}
}

type MySQLMedia struct {
	db  *sql.DB
	now func() time.Time
}

func (m *MySQLMedia) Create(ctx context.Context, rec *models.MediaRecord) error {
	if rec.Orientation == "" {
		rec.Orientation = models.Landscape
	}
	rec.UpdatedAt = m.now().UTC()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO media (id, manifest_id, thumbnail_url, orientation, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE manifest_id = VALUES(manifest_id), updated_at = VALUES(updated_at)`,
		rec.ID, rec.ManifestID, rec.ThumbnailURL, string(rec.Orientation), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create media %s: %w", rec.ID, err)
	}
	return nil
}

func (m *MySQLMedia) Get(ctx context.Context, id string) (*models.MediaRecord, error) {
	var (
		rec         models.MediaRecord
		orientation string
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT id, manifest_id, thumbnail_url, orientation, updated_at FROM media WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.ManifestID, &rec.ThumbnailURL, &orientation, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("query media %s: %w", id, err)
	}
	rec.Orientation = models.Orientation(orientation)
	return &rec, nil
}

func (m *MySQLMedia) Update(ctx context.Context, rec *models.MediaRecord) error {
	rec.UpdatedAt = m.now().UTC()
	res, err := m.db.ExecContext(ctx,
		`UPDATE media SET thumbnail_url = ?, orientation = ?, updated_at = ? WHERE id = ?`,
		rec.ThumbnailURL, string(rec.Orientation), rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update media %s: %w", rec.ID, err)
	}
	// updated_at always changes, so zero affected rows means the id is unknown.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("media %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func encodeKeys(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode chunk keys: %w", err)
	}
	return b, nil
}

func decodeKeys(b []byte) ([]string, error) {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, fmt.Errorf("decode chunk keys: %w", err)
	}
	return keys, nil
}
