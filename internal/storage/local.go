// Package storage keeps engine artifacts on the local filesystem. Keys are
// slash separated paths relative to a root directory.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/crypto/blake2b"

	"github.com/reelhouse/reelhouse-server/internal/id"
)

// ErrOutsideRoot is returned for keys or paths that escape the storage root.
var ErrOutsideRoot = errors.New("path outside storage root")

// Local stores files under a root directory.
// Writes go through a temp file and a rename, so readers never see partial files.
type Local struct {
	root     string
	tempRoot string
}

// NewLocal creates the root and temp directories if needed.
func NewLocal(root, tempRoot string) (*Local, error) {
	if root == "" || tempRoot == "" {
		return nil, fmt.Errorf("storage root and temp root cannot be empty")
	}
	for _, dir := range []string{root, tempRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
	}
	return &Local{root: filepath.Clean(root), tempRoot: filepath.Clean(tempRoot)}, nil
}

// Root returns the storage root directory.
func (l *Local) Root() string {
	return l.root
}

// Path resolves a key to an absolute path under the root.
func (l *Local) Path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, key)
	}
	return filepath.Join(l.root, rel), nil
}

// ArtifactKey returns a fresh key for an encoded artifact of a media item.
func ArtifactKey(mediaID, ext string) (string, error) {
	name, err := id.ArtifactName(ext)
	if err != nil {
		return "", err
	}
	return mediaID + "/" + name, nil
}

// Store writes r to key and returns the resulting path.
func (l *Local) Store(ctx context.Context, r io.Reader, key string) (string, error) {
	dst, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".store-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("commit %s: %w", key, err)
	}
	return dst, nil
}

// Move moves the file at src to key and returns the resulting path. Moves
// across filesystems fall back to copy and delete.
func (l *Local) Move(src, key string) (string, error) {
	dst, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	err = os.Rename(src, dst)
	if err == nil {
		return dst, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	if _, err := l.Store(context.Background(), in, key); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("remove moved source: %w", err)
	}
	return dst, nil
}

// Contains reports whether path lies under the root.
func (l *Local) Contains(path string) bool {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	return err == nil && rel != "." && filepath.IsLocal(rel)
}

// Remove deletes a file under the root. Missing files are not an error.
// Directories left empty are pruned up to the root.
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if !l.Contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	l.pruneEmpty(filepath.Dir(path))
	return nil
}

// RemoveDir deletes a directory tree under the root. The root itself cannot be removed.
func (l *Local) RemoveDir(path string) error {
	if path == "" {
		return nil
	}
	if !l.Contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove dir %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (l *Local) pruneEmpty(dir string) {
	for l.Contains(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// TempDir creates a scratch directory. Callers remove it when done.
func (l *Local) TempDir(prefix string) (string, error) {
	prefix = strings.ReplaceAll(prefix, string(filepath.Separator), "_")
	dir, err := os.MkdirTemp(l.tempRoot, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// RemoveTemp deletes a scratch directory created by TempDir.
func (l *Local) RemoveTemp(dir string) error {
	rel, err := filepath.Rel(l.tempRoot, filepath.Clean(dir))
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return os.RemoveAll(dir)
}

// HashFile returns the hex BLAKE2b-256 digest of a file and its size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context //nolint:containedctx // scoped to a single copy
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
