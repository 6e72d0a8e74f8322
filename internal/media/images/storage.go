// Package images produces and stores the still images of a media item:
// the poster thumbnail, its BlurHash placeholder and the scrubbing sprite.
package images

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Image kinds stored per media item.
const (
	KindThumbnail = "thumbnail"
	KindSprite    = "sprite"
)

// Storage manages the images directory.
// Thread-safe for concurrent operations.
type Storage struct {
	basePath string
	mu       sync.RWMutex
}

// NewStorage creates the images directory if needed.
func NewStorage(basePath string) (*Storage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Path returns where an image of the given kind lives for a media item.
// Filename format: {mediaID}_{kind}.jpg.
func (s *Storage) Path(mediaID, kind string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s_%s.jpg", mediaID, kind))
}

// Exists checks if an image exists.
func (s *Storage) Exists(mediaID, kind string) bool {
	if mediaID == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.Path(mediaID, kind))
	return err == nil
}

// Delete removes every image of a media item. Missing files are not an error.
func (s *Storage) Delete(mediaID string) error {
	if mediaID == "" {
		return fmt.Errorf("ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []string{KindThumbnail, KindSprite} {
		if err := os.Remove(s.Path(mediaID, kind)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", kind, err)
		}
	}
	return nil
}

// TempDir creates a scratch directory inside the images directory.
func (s *Storage) TempDir(mediaID string) (string, error) {
	return os.MkdirTemp(s.basePath, "."+mediaID+"-*")
}
