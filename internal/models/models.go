// Package models holds the data types shared across the upload, streaming, playback and thumbnail paths.
package models

import "time"

type ManifestStatus string

const (
	StatusInProgress ManifestStatus = "in_progress"
	StatusComplete   ManifestStatus = "complete"
	StatusFailed     ManifestStatus = "failed"
)

// UploadManifest records how one logical file was split and where each chunk lives.
type UploadManifest struct {
	ID               string         `json:"id"`
	OriginalFilename string         `json:"original_filename"`
	MimeType         string         `json:"mime_type"`
	FileSize         int64          `json:"file_size"`
	TotalChunks      int            `json:"total_chunks"`
	ChunkSize        int64          `json:"chunk_size"`
	ChunkKeys        []string       `json:"chunk_keys"`
	StorageBucket    string         `json:"storage_bucket"`
	BasePath         string         `json:"base_path"`
	Status           ManifestStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Consistent reports whether the key list matches the declared chunk count.
func (m *UploadManifest) Consistent() bool {
	return m != nil && m.TotalChunks > 0 && len(m.ChunkKeys) == m.TotalChunks
}

// UploadProgress is the checkpointed state of a running or finished upload.
type UploadProgress struct {
	UploadID      string         `json:"upload_id"`
	Completed     int            `json:"completed"`
	Total         int            `json:"total"`
	BytesUploaded int64          `json:"bytes_uploaded"`
	Status        ManifestStatus `json:"status,omitempty"`
}

// Chunk is a transient slice of a source file on its way to the object store.
type Chunk struct {
	ManifestID  string
	Index       int
	Total       int
	Key         string
	ContentType string
	Data        []byte
	Checksum    string
}

type StreamEntry struct {
	URL        string `json:"url"`
	ChunkIndex int    `json:"chunk_index"`
	Key        string `json:"key"`
}

// StreamingManifest is the ordered list of signed chunk URLs handed to a player.
type StreamingManifest struct {
	ManifestID  string        `json:"manifest_id"`
	Entries     []StreamEntry `json:"entries"`
	TotalChunks int           `json:"total_chunks"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

func (s *StreamingManifest) URLs() []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.URL
	}
	return out
}

func (s *StreamingManifest) Chunks() []int {
	out := make([]int, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.ChunkIndex
	}
	return out
}

// Degraded is true when some chunks have no URL.
func (s *StreamingManifest) Degraded() bool {
	return len(s.Entries) < s.TotalChunks
}

func (s *StreamingManifest) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Orientation string

const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

func OrientationOf(isVertical bool) Orientation {
	if isVertical {
		return Portrait
	}
	return Landscape
}

// ThumbnailCandidate is one extracted frame. Key and StoredURL are set once it has been uploaded.
type ThumbnailCandidate struct {
	Timestamp  float64 `json:"timestamp"`
	IsVertical bool    `json:"is_vertical"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Image      []byte  `json:"-"`
	Key        string  `json:"key,omitempty"`
	StoredURL  string  `json:"stored_url,omitempty"`
}

// MediaRecord is the owning media entity a thumbnail is attached to.
type MediaRecord struct {
	ID           string      `json:"id"`
	ManifestID   string      `json:"manifest_id"`
	ThumbnailURL string      `json:"thumbnail_url"`
	Orientation  Orientation `json:"orientation"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TimeRange is a buffered span in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type BufferingState struct {
	CurrentTime    float64     `json:"current_time"`
	Duration       float64     `json:"duration"`
	BufferedRanges []TimeRange `json:"buffered_ranges"`
	IsBuffering    bool        `json:"is_buffering"`
}
