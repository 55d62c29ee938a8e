// Package chunker plans and performs the split of a source file into fixed-size binary chunks.
// Note: Chunks are not guaranteed to be independently playable video segments; a player reassembles
// them byte-for-byte in index order.
package chunker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"video-chunk-pipeline/internal/models"
)

var (
	ErrEmptyFile        = errors.New("chunker: file is empty")
	ErrInvalidChunkSize = errors.New("chunker: chunk size must be positive")
	ErrSizeMismatch     = errors.New("chunker: source size does not match plan")
)

const defaultExt = "bin"

// SplitPlan is the deterministic layout of one upload.
type SplitPlan struct {
	ManifestID  string
	BasePath    string
	Ext         string
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
	Keys        []string
}

// Plan computes the chunk count and storage keys. The same inputs always yield the same keys.
func Plan(manifestID, basePath, fileName string, fileSize, chunkSize int64) (SplitPlan, error) {
	if chunkSize <= 0 {
		return SplitPlan{}, ErrInvalidChunkSize
	}
	if fileSize <= 0 {
		return SplitPlan{}, ErrEmptyFile
	}
	total := int((fileSize + chunkSize - 1) / chunkSize)
	ext := Ext(fileName)
	keys := make([]string, total)
	for i := range keys {
		keys[i] = Key(basePath, i, total, ext)
	}
	return SplitPlan{
		ManifestID:  manifestID,
		BasePath:    basePath,
		Ext:         ext,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Keys:        keys,
	}, nil
}

// Key renders {basePath}_chunk_{index}_of_{total}.{ext}; index is zero-based.
func Key(basePath string, index, total int, ext string) string {
	return fmt.Sprintf("%s_chunk_%d_of_%d.%s", basePath, index, total, ext)
}

// Ext returns the lower-cased extension of name without the dot, or "bin".
func Ext(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return defaultExt
	}
	return ext
}

// Split streams the chunks of r in index order. The error channel yields at most one error and is
// closed after the chunk channel.
func Split(ctx context.Context, r io.Reader, plan SplitPlan, contentType string) (<-chan models.Chunk, <-chan error) {
	out := make(chan models.Chunk)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		if err := split(ctx, r, plan, contentType, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func split(ctx context.Context, r io.Reader, plan SplitPlan, contentType string, out chan<- models.Chunk) error {
	br := bufio.NewReaderSize(r, int(min(plan.ChunkSize, 1<<20)))
	for idx := 0; idx < plan.TotalChunks; idx++ {
		size := plan.ChunkSize
		if idx == plan.TotalChunks-1 {
			size = plan.FileSize - int64(idx)*plan.ChunkSize
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: chunk %d short", ErrSizeMismatch, idx)
			}
			return fmt.Errorf("read chunk %d: %w", idx, err)
		}
		hash := sha256.Sum256(buf)
		chunk := models.Chunk{
			ManifestID:  plan.ManifestID,
			Index:       idx,
			Total:       plan.TotalChunks,
			Key:         plan.Keys[idx],
			ContentType: contentType,
			Data:        buf,
			Checksum:    hex.EncodeToString(hash[:]),
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := br.ReadByte(); err == nil {
		return fmt.Errorf("%w: trailing bytes after chunk %d", ErrSizeMismatch, plan.TotalChunks-1)
	}
	return nil
}

// ChunkFile opens filePath and splits it according to plan.
func ChunkFile(ctx context.Context, filePath string, plan SplitPlan, contentType string) (<-chan models.Chunk, <-chan error, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, err
	}
	chunks, errs := Split(ctx, f, plan, contentType)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err, ok := <-errs
		f.Close()
		if ok && err != nil {
			done <- err
		}
	}()
	return chunks, done, nil
}

// Reassemble concatenates chunk payloads in the given order.
func Reassemble(parts [][]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
