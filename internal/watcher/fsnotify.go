package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend watches with fsnotify. Write notifications arrive while a
// file is still being copied, so a file is only reported once its size and
// mtime stay unchanged for SettleDelay.
type fsnotifyBackend struct {
	logger  *slog.Logger
	opts    Options
	watcher *fsnotify.Watcher
	tracker *fileTracker

	pending map[string]*pendingFile
	mu      sync.Mutex

	events   chan Event
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// pendingFile tracks a file that may still be changing.
type pendingFile struct {
	size    int64
	modTime time.Time
	timer   *time.Timer
}

func newFSNotifyBackend(logger *slog.Logger, opts Options) (backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &fsnotifyBackend{
		logger:  logger,
		opts:    opts,
		watcher: w,
		tracker: newFileTracker(),
		pending: make(map[string]*pendingFile),
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Watch adds a path to be monitored.
func (b *fsnotifyBackend) Watch(path string) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return b.watchDir(path)
	}
	return b.watcher.Add(filepath.Dir(path))
}

func (b *fsnotifyBackend) watchDir(path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			b.logger.Warn("failed to access path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && b.opts.shouldIgnore(p) {
			return filepath.SkipDir
		}
		if err := b.watcher.Add(p); err != nil {
			b.logger.Error("failed to add watch", "path", p, "error", err)
			return nil
		}
		b.logger.Debug("added watch", "path", p)
		return nil
	})
}

// Start begins watching for events.
func (b *fsnotifyBackend) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.processEvents(ctx)

	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return nil
}

func (b *fsnotifyBackend) processEvents(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(event)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			select {
			case b.errors <- err:
			case <-b.done:
				return
			}
		}
	}
}

func (b *fsnotifyBackend) handleEvent(event fsnotify.Event) {
	path := event.Name
	if b.opts.shouldIgnore(path) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		b.cancelPending(path)
		b.tracker.forget(path)
		b.emitEvent(Event{Type: EventRemoved, Path: path})
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := b.watchDir(path); err != nil {
				b.logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
			return
		}
		b.startSettling(path)
	case event.Has(fsnotify.Write):
		b.startSettling(path)
	}
}

// startSettling (re)arms the settle timer for path.
func (b *fsnotifyBackend) startSettling(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		b.cancelPending(path)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if p, exists := b.pending[path]; exists {
		p.timer.Stop()
	}
	b.pending[path] = &pendingFile{
		size:    info.Size(),
		modTime: info.ModTime(),
		timer:   time.AfterFunc(b.opts.SettleDelay, func() { b.checkSettled(path) }),
	}
}

// checkSettled reports path if it has not changed since the last check.
func (b *fsnotifyBackend) checkSettled(path string) {
	b.mu.Lock()
	p, exists := b.pending[path]
	if !exists {
		b.mu.Unlock()
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Removal is reported by the Remove notification.
		delete(b.pending, path)
		b.mu.Unlock()
		return
	}

	if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
		p.size = info.Size()
		p.modTime = info.ModTime()
		p.timer = time.AfterFunc(b.opts.SettleDelay, func() { b.checkSettled(path) })
		b.mu.Unlock()
		return
	}

	delete(b.pending, path)
	b.mu.Unlock()

	b.emitEvent(Event{
		Type:    b.tracker.observe(path),
		Path:    path,
		Inode:   getInode(info.Sys()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	})
}

func (b *fsnotifyBackend) cancelPending(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, exists := b.pending[path]; exists {
		p.timer.Stop()
		delete(b.pending, path)
	}
}

func (b *fsnotifyBackend) emitEvent(event Event) {
	select {
	case b.events <- event:
	case <-b.done:
	}
}

// Events returns the events channel.
func (b *fsnotifyBackend) Events() <-chan Event {
	return b.events
}

// Errors returns the errors channel.
func (b *fsnotifyBackend) Errors() <-chan error {
	return b.errors
}

// Stop stops the watcher. Pending settle timers are dropped.
func (b *fsnotifyBackend) Stop() error {
	var closeErr error
	b.stopOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for _, p := range b.pending {
			p.timer.Stop()
		}
		clear(b.pending)
		b.mu.Unlock()

		closeErr = b.watcher.Close()
		b.wg.Wait()
	})
	return closeErr
}
