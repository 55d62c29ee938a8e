package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamingManifest_Accessors(t *testing.T) {
	m := &StreamingManifest{
		TotalChunks: 3,
		Entries: []StreamEntry{
			{URL: "u0", ChunkIndex: 0},
			{URL: "u2", ChunkIndex: 2},
		},
	}
	assert.Equal(t, []string{"u0", "u2"}, m.URLs())
	assert.Equal(t, []int{0, 2}, m.Chunks())
	assert.True(t, m.Degraded())

	m.Entries = append(m.Entries, StreamEntry{URL: "u1", ChunkIndex: 1})
	assert.False(t, m.Degraded())
}

func TestStreamingManifest_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := &StreamingManifest{ExpiresAt: now}
	assert.True(t, m.Expired(now))
	assert.True(t, m.Expired(now.Add(time.Second)))
	assert.False(t, m.Expired(now.Add(-time.Second)))
}

func TestUploadManifest_Consistent(t *testing.T) {
	assert.False(t, (*UploadManifest)(nil).Consistent())
	assert.False(t, (&UploadManifest{TotalChunks: 2, ChunkKeys: []string{"a"}}).Consistent())
	assert.True(t, (&UploadManifest{TotalChunks: 1, ChunkKeys: []string{"a"}}).Consistent())
}

func TestOrientationOf(t *testing.T) {
	assert.Equal(t, Portrait, OrientationOf(true))
	assert.Equal(t, Landscape, OrientationOf(false))
}
