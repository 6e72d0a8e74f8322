// Package watcher reports files landing in a directory tree once they are
// completely written. It feeds the inbox intake.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// Watcher monitors file system changes.
type Watcher struct {
	backend backend
	logger  *slog.Logger
}

// New creates a new file watcher.
// With BackendAuto it uses inotify with IN_CLOSE_WRITE on Linux, where a file
// is reported as soon as the writer closes it, and fsnotify with size/mtime
// settling everywhere else.
func New(logger *slog.Logger, opts Options) (*Watcher, error) {
	opts.setDefaults()

	kind := opts.Backend
	if kind == BackendAuto {
		kind = BackendFSNotify
		if runtime.GOOS == "linux" {
			kind = BackendInotify
		}
	}

	var (
		b   backend
		err error
	)
	switch kind {
	case BackendInotify:
		b, err = newInotifyBackend(logger, opts)
	case BackendFSNotify:
		b, err = newFSNotifyBackend(logger, opts)
	default:
		return nil, fmt.Errorf("unknown watcher backend %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", kind, err)
	}

	logger.Info("file watcher backend selected", "backend", string(kind), "platform", runtime.GOOS)

	return &Watcher{
		backend: b,
		logger:  logger,
	}, nil
}

// Watch adds a path to be monitored.
// The path can be a file or directory. Directories are watched recursively.
func (w *Watcher) Watch(path string) error {
	return w.backend.Watch(path)
}

// Start begins watching for events.
// This method blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	return w.backend.Start(ctx)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	return w.backend.Stop()
}

// Events returns the channel for receiving file system events.
func (w *Watcher) Events() <-chan Event {
	return w.backend.Events()
}

// Errors returns the channel for receiving errors.
func (w *Watcher) Errors() <-chan error {
	return w.backend.Errors()
}
