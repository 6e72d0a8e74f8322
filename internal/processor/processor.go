package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/syncmap"
	"github.com/reelhouse/reelhouse-server/internal/watcher"
)

// Ingester takes ownership of a file dropped in the inbox and starts its
// encoding. Implementations move the file out of the inbox.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (*domain.Media, error)
}

// EventProcessor turns inbox file system events into ingests.
//
// Each event is processed immediately. A per-path TryLock drops events for a
// file that is already being ingested; once ingest finishes the file has left
// the inbox, so late duplicates find nothing to do.
type EventProcessor struct {
	ingester Ingester
	logger   *slog.Logger

	pathLocks *syncmap.Locks[string]
}

// NewEventProcessor creates a new EventProcessor instance.
func NewEventProcessor(ingester Ingester, logger *slog.Logger) *EventProcessor {
	return &EventProcessor{
		ingester:  ingester,
		logger:    logger,
		pathLocks: syncmap.NewLocks[string](),
	}
}

// ProcessEvent processes a file system event.
//
// Processing flow:
//  1. Classify the file (video, audio, image, or ignored)
//  2. Acquire the per-path lock with TryLock (deduplicate concurrent events)
//  3. Hand added or modified files to the ingester
func (ep *EventProcessor) ProcessEvent(ctx context.Context, event watcher.Event) error {
	ep.logger.Debug("processing event",
		"type", event.Type.String(),
		"path", event.Path,
	)

	fileType := ClassifyFile(event.Path)
	if fileType == FileTypeIgnored {
		ep.logger.Debug("ignoring file", "path", event.Path)
		return nil
	}

	unlock, ok := ep.pathLocks.TryLock(event.Path)
	if !ok {
		ep.logger.Debug("file already being ingested, skipping", "path", event.Path)
		return nil
	}
	defer unlock()

	switch event.Type {
	case watcher.EventAdded, watcher.EventModified:
		return ep.handleFileChange(ctx, event.Path, fileType)
	case watcher.EventRemoved:
		// Ingest moves files out of the inbox, which surfaces here.
		ep.logger.Debug("inbox file removed", "path", event.Path)
		return nil
	default:
		ep.logger.Warn("unknown event type",
			"type", event.Type,
			"path", event.Path,
		)
		return nil
	}
}

func (ep *EventProcessor) handleFileChange(ctx context.Context, path string, fileType FileType) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		ep.logger.Debug("file already left the inbox", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat inbox file: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil
	}

	ep.logger.Info("ingesting inbox file",
		"path", path,
		"type", fileType.String(),
		"size", info.Size(),
	)

	media, err := ep.ingester.IngestFile(ctx, path)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", filepath.Base(path), err)
	}

	ep.logger.Info("inbox file ingested",
		"path", path,
		"media_id", media.ID,
		"encoding_status", string(media.EncodingStatus),
	)
	return nil
}

// ScanInbox ingests files already present under root, e.g. dropped while the
// server was down. Hidden entries are skipped. Returns how many files were
// handed to the ingester; individual failures are logged.
func (ep *EventProcessor) ScanInbox(ctx context.Context, root string) (int, error) {
	var count int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			ep.logger.Warn("failed to access path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || ClassifyFile(path) == FileTypeIgnored {
			return nil
		}

		count++
		if err := ep.ProcessEvent(ctx, watcher.Event{Type: watcher.EventAdded, Path: path}); err != nil {
			ep.logger.Warn("failed to ingest existing inbox file", "path", path, "error", err)
		}
		return nil
	})
	return count, err
}
