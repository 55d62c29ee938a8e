// Package watcher detects new and changed video files in a drop directory and hands stable ones to
// the upload workers. Each file maps to a deterministic upload id derived from its name, size and
// content hash, so a file that was already uploaded is skipped and an interrupted one resumes.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/config"
	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
)

// hashWindow bounds how much of a file is hashed.
const hashWindow = 10 * 1024 * 1024

var namespace = uuid.MustParse("6f1c7a52-6b0e-4d35-9a4e-2d8a7c0f3b11")

// Detected is a stable file ready for upload.
type Detected struct {
	Path     string
	UploadID string
}

// StatusReader is the subset of redisstore.Store the watcher consults.
type StatusReader interface {
	GetStatus(ctx context.Context, uploadID string) (models.ManifestStatus, error)
}

// WatcherInterface defines the contract for a file watcher.
type WatcherInterface interface {
	Start(ctx context.Context) error
}

type Watcher struct {
	cfg    config.WatcherConfig
	log    *zap.Logger
	fileCh chan<- Detected
	seen   map[string]time.Time
	hashes map[string]string // file path -> last known hash
	mu     sync.Mutex
	status StatusReader
}

func New(cfg config.WatcherConfig, log *zap.Logger, fileCh chan<- Detected, status StatusReader) *Watcher {
	return &Watcher{
		cfg:    cfg,
		log:    log.Named("watcher"),
		fileCh: fileCh,
		seen:   make(map[string]time.Time),
		hashes: make(map[string]string),
		status: status,
	}
}

// Start blocks until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	if err := watcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.log.Info("Watching directory", zap.String("dir", w.cfg.Dir), zap.Strings("formats", w.cfg.VideoFileFormats))

	w.scanExistingFiles()

	debounce := w.debounce()
	go w.periodicRescan(ctx, debounce)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Chmod) != 0 && isAllowedExt(event.Name, w.cfg.VideoFileFormats) {
				w.mu.Lock()
				w.seen[event.Name] = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("Watcher error", zap.Error(err))
		case <-ticker.C:
			w.checkStableFiles(ctx, debounce)
		}
	}
}

func (w *Watcher) debounce() time.Duration {
	return time.Duration(max(w.cfg.StabilityThreshold, 1)) * time.Second
}

// scanExistingFiles marks files already in the directory as stable.
func (w *Watcher) scanExistingFiles() {
	files, err := filepath.Glob(filepath.Join(w.cfg.Dir, "*"))
	if err != nil {
		w.log.Error("Failed to scan watch dir", zap.Error(err))
		return
	}
	old := time.Now().Add(-2 * w.debounce())
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, file := range files {
		if isAllowedExt(file, w.cfg.VideoFileFormats) {
			w.seen[file] = old
		}
	}
}

func isAllowedExt(file string, allowedExts []string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	for _, allowed := range allowedExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// UploadID is stable for identical file contents under the same name.
func UploadID(path string, size int64, hash string) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s:%d:%s", filepath.Base(path), size, hash))).String()
}

// filterFile returns the upload id for file, or "" when that upload already completed.
func (w *Watcher) filterFile(ctx context.Context, file string) string {
	info, err := os.Stat(file)
	if err != nil {
		w.log.Warn("File vanished before upload", zap.String("file", file), zap.Error(err))
		return ""
	}
	id := UploadID(file, info.Size(), fileHash(file))
	status, err := w.status.GetStatus(ctx, id)
	if err != nil {
		metrics.RedisErrors.Inc()
		w.log.Warn("Status lookup failed, uploading anyway", zap.String("upload_id", id), zap.Error(err))
	}
	if status == models.StatusComplete {
		w.log.Info("File already uploaded and unchanged, skipping", zap.String("file", file), zap.String("upload_id", id))
		return ""
	}
	return id
}

func (w *Watcher) checkStableFiles(ctx context.Context, debounce time.Duration) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for file, last := range w.seen {
		if now.Sub(last) > debounce {
			ready = append(ready, file)
			delete(w.seen, file)
		}
	}
	w.mu.Unlock()

	for _, file := range ready {
		id := w.filterFile(ctx, file)
		if id == "" {
			continue
		}
		select {
		case w.fileCh <- Detected{Path: file, UploadID: id}:
			metrics.FilesDetected.Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) periodicRescan(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescanFiles()
		}
	}
}

// rescanFiles picks up files that appeared or changed without an fsnotify event.
func (w *Watcher) rescanFiles() {
	files, err := filepath.Glob(filepath.Join(w.cfg.Dir, "*"))
	if err != nil {
		w.log.Error("Failed to rescan watch dir", zap.Error(err))
		return
	}
	now := time.Now()
	for _, file := range files {
		if !isAllowedExt(file, w.cfg.VideoFileFormats) {
			continue
		}
		hash := fileHash(file)
		w.mu.Lock()
		prevHash, seen := w.hashes[file]
		if !seen || prevHash != hash {
			w.seen[file] = now
			w.hashes[file] = hash
		}
		w.mu.Unlock()
	}
}

// fileHash returns the first 16 hex chars of the SHA-256 over the leading hashWindow bytes.
func fileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	io.CopyN(h, f, hashWindow)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
