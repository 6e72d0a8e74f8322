package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/logger"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/processor"
	"github.com/reelhouse/reelhouse-server/internal/service"
	"github.com/reelhouse/reelhouse-server/internal/tasks"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
	"github.com/reelhouse/reelhouse-server/internal/watcher"
)

// EncoderHandle wraps the encode worker pool with shutdown capability.
type EncoderHandle struct {
	*service.Encoder
}

// Shutdown implements do.Shutdownable.
func (h *EncoderHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideEncoder provides the encode worker pool. Workers are started by
// Bootstrap after the bus is running.
func ProvideEncoder(i do.Injector) (*EncoderHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	storages := do.MustInvoke[*Storages](i)
	tc := do.MustInvoke[transcoder.Transcoder](i)
	bus := do.MustInvoke[*EventBusHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	enc := service.NewEncoder(
		storeHandle.Store,
		tc,
		storages.Encoded,
		bus.Bus,
		m,
		cfg.Encoding,
		cfg.App.WorkerName,
		log.Component("encoder"),
	)
	return &EncoderHandle{Encoder: enc}, nil
}

// TaskRunnerHandle wraps the background task runner with shutdown capability.
type TaskRunnerHandle struct {
	*tasks.Runner
}

// Shutdown implements do.Shutdownable. In-flight tasks get shutdownTimeout to finish.
func (h *TaskRunnerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Runner.Shutdown(ctx)
}

// ProvideTaskRunner provides the runner for packaging and trim follow-ups.
func ProvideTaskRunner(i do.Injector) (*TaskRunnerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	return &TaskRunnerHandle{
		Runner: tasks.New(log.Component("tasks"), cfg.Encoding.TaskConcurrency),
	}, nil
}

// FileWatcherHandle wraps the inbox watcher with shutdown capability.
// Watcher is nil when no inbox is configured.
type FileWatcherHandle struct {
	*watcher.Watcher
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *FileWatcherHandle) Shutdown() error {
	if h.Watcher == nil {
		return nil
	}
	h.cancel()
	return h.Stop()
}

// ProvideFileWatcher watches the inbox folder and ingests files dropped there.
// Files already present at startup are ingested by an initial scan.
func ProvideFileWatcher(i do.Injector) (*FileWatcherHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	inbox := cfg.Storage.InboxPath
	if inbox == "" {
		log.Info("Inbox watcher disabled, no inbox path configured")
		return &FileWatcherHandle{}, nil
	}

	mediaService := do.MustInvoke[*service.MediaService](i)
	eventProcessor := processor.NewEventProcessor(mediaService, log.Component("inbox"))

	w, err := watcher.New(log.Logger, watcher.Options{
		Backend:      watcher.BackendKind(cfg.Storage.InboxBackend),
		IgnoreHidden: true,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Watch(inbox); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := w.Start(ctx); err != nil {
			log.Error("File watcher error", "error", err)
		}
	}()

	go func() {
		for {
			select {
			case event := <-w.Events():
				if err := eventProcessor.ProcessEvent(ctx, event); err != nil {
					log.Warn("failed to process inbox event",
						"error", err,
						"type", event.Type,
						"path", event.Path,
					)
				}
			case err := <-w.Errors():
				log.Warn("file watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		n, err := eventProcessor.ScanInbox(ctx, inbox)
		if err != nil {
			log.Warn("initial inbox scan failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("Initial inbox scan completed", "ingested", n)
		}
	}()

	log.Info("Inbox watcher started", "path", inbox)

	return &FileWatcherHandle{Watcher: w, cancel: cancel}, nil
}
