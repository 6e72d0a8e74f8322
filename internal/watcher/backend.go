package watcher

import (
	"context"
	"sync"
)

// backend is the platform-specific file watching implementation.
type backend interface {
	// Watch adds a path to be monitored. Directories are watched recursively.
	Watch(path string) error

	// Start begins watching for events and blocks until ctx is done.
	Start(ctx context.Context) error

	// Stop stops the watcher and releases all resources. Safe to call twice.
	Stop() error

	Events() <-chan Event
	Errors() <-chan error
}

// fileTracker remembers which paths were already reported so a rewrite is
// reported as modified rather than added.
type fileTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newFileTracker() *fileTracker {
	return &fileTracker{seen: make(map[string]struct{})}
}

// observe records path and returns the event type to report for it.
func (t *fileTracker) observe(path string) EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[path]; ok {
		return EventModified
	}
	t.seen[path] = struct{}{}
	return EventAdded
}

func (t *fileTracker) forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, path)
}
