// Package di provides dependency injection configuration for the encoding engine.
package di

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/di/providers"
	"github.com/reelhouse/reelhouse-server/internal/logger"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/planner"
	"github.com/reelhouse/reelhouse-server/internal/service"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)

	// Storage layer
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideStorages)
	do.Provide(injector, providers.ProvideTranscoder)
	do.Provide(injector, providers.ProvideImageProcessor)

	// Orchestration
	do.Provide(injector, providers.ProvideEventBus)
	do.Provide(injector, providers.ProvideTaskRunner)
	do.Provide(injector, providers.ProvidePlanner)
	do.Provide(injector, providers.ProvideEncoder)
	do.Provide(injector, providers.ProvideStatusAggregator)
	do.Provide(injector, providers.ProvidePackager)
	do.Provide(injector, providers.ProvideChunkCoordinator)
	do.Provide(injector, providers.ProvideDispatcher)
	do.Provide(injector, providers.ProvideMediaService)

	// Intake and server
	do.Provide(injector, providers.ProvideFileWatcher)
	do.Provide(injector, providers.ProvideSSEManager)
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services in dependency order, then starts the
// event bus and the encode workers.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*config.Config](injector)
	log := do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*metrics.Metrics](injector)
	_ = do.MustInvoke[*providers.StoreHandle](injector)
	_ = do.MustInvoke[*providers.Storages](injector)
	_ = do.MustInvoke[transcoder.Transcoder](injector)
	_ = do.MustInvoke[*images.Processor](injector)
	bus := do.MustInvoke[*providers.EventBusHandle](injector)
	_ = do.MustInvoke[*providers.TaskRunnerHandle](injector)
	_ = do.MustInvoke[*planner.Planner](injector)
	encoder := do.MustInvoke[*providers.EncoderHandle](injector)
	_ = do.MustInvoke[*service.StatusAggregator](injector)
	_ = do.MustInvoke[*service.Packager](injector)
	chunks := do.MustInvoke[*service.ChunkCoordinator](injector)
	dispatcher := do.MustInvoke[*service.Dispatcher](injector)
	mediaService := do.MustInvoke[*service.MediaService](injector)
	_ = do.MustInvoke[*providers.SSEManagerHandle](injector)

	ctx := context.Background()

	created, err := mediaService.SeedProfiles(ctx)
	if err != nil {
		return fmt.Errorf("seed profiles: %w", err)
	}
	if created > 0 {
		log.Info("Seeded default encode profiles", "count", created)
	}

	// Subscribers are registered by their providers above.
	bus.StartBus()

	// Groups whose last chunk finished while the process was down.
	if err := chunks.Reconcile(ctx); err != nil {
		log.Warn("chunk group reconcile failed", "error", err)
	}

	encoder.Start()

	// Status, HLS and trim work lost when the process stopped mid-dispatch.
	if err := dispatcher.Reconcile(ctx); err != nil {
		log.Warn("post-encode reconcile failed", "error", err)
	}

	_ = do.MustInvoke[*providers.FileWatcherHandle](injector)
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}
