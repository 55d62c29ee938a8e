// Package recordstest provides in-memory record repositories for tests.
package recordstest

import (
	"context"
	"fmt"
	"sync"

	"video-chunk-pipeline/internal/models"
	"video-chunk-pipeline/internal/records"
)

type Manifests struct {
	mu      sync.Mutex
	rows    map[string]models.UploadManifest
	inserts int
	gets    int

	InsertErr error
}

func NewManifests(seed ...*models.UploadManifest) *Manifests {
	m := &Manifests{rows: map[string]models.UploadManifest{}}
	for _, s := range seed {
		m.rows[s.ID] = clone(*s)
	}
	return m
}

func (m *Manifests) Insert(ctx context.Context, man *models.UploadManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.rows[man.ID] = clone(*man)
	return nil
}

func (m *Manifests) Get(ctx context.Context, id string) (*models.UploadManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", id, records.ErrNotFound)
	}
	out := clone(row)
	return &out, nil
}

// Inserts counts Insert calls, including failed ones.
func (m *Manifests) Inserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

func (m *Manifests) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func clone(m models.UploadManifest) models.UploadManifest {
	m.ChunkKeys = append([]string(nil), m.ChunkKeys...)
	return m
}

type Media struct {
	mu   sync.Mutex
	rows map[string]models.MediaRecord

	UpdateErr error
}

func NewMedia(seed ...*models.MediaRecord) *Media {
	m := &Media{rows: map[string]models.MediaRecord{}}
	for _, s := range seed {
		m.rows[s.ID] = *s
	}
	return m
}

func (m *Media) Create(ctx context.Context, rec *models.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Orientation == "" {
		rec.Orientation = models.Landscape
	}
	m.rows[rec.ID] = *rec
	return nil
}

func (m *Media) Get(ctx context.Context, id string) (*models.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("media %s: %w", id, records.ErrNotFound)
	}
	return &row, nil
}

func (m *Media) Update(ctx context.Context, rec *models.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.rows[rec.ID]; !ok {
		return fmt.Errorf("media %s: %w", rec.ID, records.ErrNotFound)
	}
	m.rows[rec.ID] = *rec
	return nil
}
