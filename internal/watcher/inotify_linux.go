//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long the reader sleeps before rechecking shutdown.
const pollTimeoutMs = 250

// inotifyBackend watches with Linux inotify. IN_CLOSE_WRITE fires once the
// writer closes the file, so no settling delay is needed.
type inotifyBackend struct {
	logger   *slog.Logger
	tracker  *fileTracker
	watches  map[string]int
	wdPaths  map[int]string
	events   chan Event
	errors   chan error
	done     chan struct{}
	opts     Options
	wg       sync.WaitGroup
	stopOnce sync.Once
	fd       int
	mu       sync.RWMutex
}

func newInotifyBackend(logger *slog.Logger, opts Options) (backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}

	return &inotifyBackend{
		logger:  logger,
		opts:    opts,
		fd:      fd,
		tracker: newFileTracker(),
		watches: make(map[string]int),
		wdPaths: make(map[int]string),
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Watch adds a path to be monitored.
func (b *inotifyBackend) Watch(path string) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return b.watchDir(path)
	}
	return b.addWatch(filepath.Dir(path))
}

// watchDir recursively watches a directory.
func (b *inotifyBackend) watchDir(path string) error {
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
		if err := b.addWatch(p); err != nil {
			b.logger.Error("failed to add watch", "path", p, "error", err)
		}
		return nil
	})
}

func (b *inotifyBackend) addWatch(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.watches[path]; exists {
		return nil
	}

	// IN_CREATE is only needed to pick up new subdirectories.
	mask := unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE |
		unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVED_FROM

	wd, err := unix.InotifyAddWatch(b.fd, path, uint32(mask))
	if err != nil {
		return fmt.Errorf("inotify_add_watch failed: %w", err)
	}

	b.watches[path] = wd
	b.wdPaths[wd] = path
	b.logger.Debug("added watch", "path", path, "wd", wd)
	return nil
}

func (b *inotifyBackend) removeWatch(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wd, exists := b.watches[path]
	if !exists {
		return
	}

	// The kernel drops the watch itself when the directory is deleted.
	//nolint:gosec // G115: wd is a small non-negative int from inotify
	_, _ = unix.InotifyRmWatch(b.fd, uint32(wd))

	delete(b.watches, path)
	delete(b.wdPaths, wd)
}

// Start begins watching for events.
func (b *inotifyBackend) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.readEvents(ctx)

	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return nil
}

func (b *inotifyBackend) readEvents(ctx context.Context) {
	defer b.wg.Done()

	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*16)
	//nolint:gosec // G115: fd is a small non-negative int
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		ready, err := unix.Poll(fds, pollTimeoutMs)
		if errors.Is(err, unix.EINTR) || ready == 0 {
			continue
		}
		if err != nil {
			b.reportError(fmt.Errorf("failed to poll inotify: %w", err))
			return
		}

		n, err := unix.Read(b.fd, buf)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			b.reportError(fmt.Errorf("failed to read inotify events: %w", err))
			return
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		b.parseEvents(buf[:n])
	}
}

func (b *inotifyBackend) parseEvents(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		//nolint:gosec // G103: inotify hands back packed C structs
		event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameEnd := offset + unix.SizeofInotifyEvent + int(event.Len)
		if nameEnd > len(buf) {
			return
		}

		b.mu.RLock()
		dir, ok := b.wdPaths[int(event.Wd)]
		b.mu.RUnlock()

		if ok {
			path := dir
			if event.Len > 0 {
				name := buf[offset+unix.SizeofInotifyEvent : nameEnd]
				path = filepath.Join(dir, string(name[:clen(name)]))
			}
			b.processEvent(path, event.Mask)
		}

		offset = nameEnd
	}
}

func (b *inotifyBackend) processEvent(path string, mask uint32) {
	if b.opts.shouldIgnore(path) {
		return
	}

	switch {
	case mask&unix.IN_CREATE != 0:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := b.watchDir(path); err != nil {
				b.logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
		}
	case mask&unix.IN_DELETE_SELF != 0:
		b.removeWatch(path)
		b.emitRemoved(path)
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		b.emitRemoved(path)
	case mask&(unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO) != 0:
		b.handleFileReady(path)
	}
}

func (b *inotifyBackend) handleFileReady(path string) {
	info, err := os.Stat(path)
	if err != nil {
		b.logger.Debug("file vanished before it could be reported", "path", path, "error", err)
		return
	}
	if info.IsDir() {
		b.adoptDir(path)
		return
	}

	b.emitEvent(Event{
		Type:    b.tracker.observe(path),
		Path:    path,
		Inode:   getInode(info.Sys()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	})
}

// adoptDir watches a directory moved into the tree and reports the files it
// already holds, since they will never produce a close event.
func (b *inotifyBackend) adoptDir(dir string) {
	if err := b.watchDir(dir); err != nil {
		b.logger.Warn("failed to watch moved directory", "path", dir, "error", err)
		return
	}
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if b.opts.shouldIgnore(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			b.handleFileReady(p)
		}
		return nil
	})
}

func (b *inotifyBackend) emitRemoved(path string) {
	b.tracker.forget(path)
	b.emitEvent(Event{Type: EventRemoved, Path: path})
}

func (b *inotifyBackend) emitEvent(event Event) {
	select {
	case b.events <- event:
	case <-b.done:
	}
}

func (b *inotifyBackend) reportError(err error) {
	select {
	case b.errors <- err:
	case <-b.done:
	}
}

// Events returns the events channel.
func (b *inotifyBackend) Events() <-chan Event {
	return b.events
}

// Errors returns the errors channel.
func (b *inotifyBackend) Errors() <-chan error {
	return b.errors
}

// Stop stops the watcher.
func (b *inotifyBackend) Stop() error {
	var closeErr error
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		closeErr = unix.Close(b.fd)

		close(b.events)
		close(b.errors)
	})
	return closeErr
}

// clen returns the length of a null-terminated byte slice.
func clen(n []byte) int {
	for i := range n {
		if n[i] == 0 {
			return i
		}
	}
	return len(n)
}
