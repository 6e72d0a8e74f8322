package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// BackendKind selects the file watching implementation.
type BackendKind string

const (
	// BackendAuto uses inotify on Linux and fsnotify elsewhere.
	BackendAuto BackendKind = ""
	// BackendInotify reacts to IN_CLOSE_WRITE, so files are reported once fully written.
	BackendInotify BackendKind = "inotify"
	// BackendFSNotify polls file size and mtime until they settle. Works on every platform
	// and on network mounts that do not deliver close events.
	BackendFSNotify BackendKind = "fsnotify"
)

// Options configures the file watcher behavior.
type Options struct {
	Backend        BackendKind
	IgnorePatterns []string
	SettleDelay    time.Duration
	IgnoreHidden   bool
}

// DefaultIgnorePatterns skips OS litter and the partial files browsers and
// transfer tools write before renaming into place.
var DefaultIgnorePatterns = []string{
	".DS_Store",
	"Thumbs.db",
	"*.tmp",
	"*.temp",
	"*.part",
	"*.crdownload",
	"*.partial",
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 2 * time.Second
	}

	// Only a nil pattern list gets the defaults; an explicit empty slice means "ignore nothing".
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = append([]string(nil), DefaultIgnorePatterns...)
		o.IgnoreHidden = true
	}
}

// shouldIgnore checks if a path matches ignore patterns.
func (o *Options) shouldIgnore(path string) bool {
	if o.IgnoreHidden {
		parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
		for _, part := range parts {
			if strings.HasPrefix(part, ".") && part != "." && part != ".." {
				return true
			}
		}
	}

	base := filepath.Base(path)
	for _, pattern := range o.IgnorePatterns {
		matched, err := filepath.Match(pattern, base)
		if err == nil && matched {
			return true
		}
	}

	return false
}
