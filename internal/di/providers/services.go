package providers

import (
	"github.com/samber/do/v2"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/logger"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/planner"
	"github.com/reelhouse/reelhouse-server/internal/service"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// ProvidePlanner provides the job planner.
func ProvidePlanner(i do.Injector) (*planner.Planner, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return planner.New(cfg.Encoding.PlannerOptions())
}

// ProvideStatusAggregator provides the media status aggregator.
func ProvideStatusAggregator(i do.Injector) (*service.StatusAggregator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	bus := do.MustInvoke[*EventBusHandle](i)

	return service.NewStatusAggregator(storeHandle.Store, bus.Bus, cfg.Encoding, log.Component("status")), nil
}

// ProvidePackager provides the HLS and post-trim packager.
func ProvidePackager(i do.Injector) (*service.Packager, error) {
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	storages := do.MustInvoke[*Storages](i)
	tc := do.MustInvoke[transcoder.Transcoder](i)
	imgs := do.MustInvoke[*images.Processor](i)
	runner := do.MustInvoke[*TaskRunnerHandle](i)

	return service.NewPackager(storeHandle.Store, tc, storages.HLS, imgs, runner.Runner, log.Component("packager")), nil
}

// ProvideChunkCoordinator provides the chunk coordinator and subscribes it to the bus.
func ProvideChunkCoordinator(i do.Injector) (*service.ChunkCoordinator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	storages := do.MustInvoke[*Storages](i)
	tc := do.MustInvoke[transcoder.Transcoder](i)
	encoder := do.MustInvoke[*EncoderHandle](i)
	bus := do.MustInvoke[*EventBusHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	coordinator := service.NewChunkCoordinator(
		storeHandle.Store,
		tc,
		storages.Encoded,
		encoder.Encoder,
		bus.Bus,
		m,
		cfg.App.WorkerName,
		cfg.Encoding.ChunkClaimLease,
		log.Component("chunks"),
	)
	coordinator.Subscribe(bus.Bus)
	return coordinator, nil
}

// ProvideDispatcher provides the post-encode dispatcher and subscribes it to the bus.
func ProvideDispatcher(i do.Injector) (*service.Dispatcher, error) {
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	storages := do.MustInvoke[*Storages](i)
	aggregator := do.MustInvoke[*service.StatusAggregator](i)
	packager := do.MustInvoke[*service.Packager](i)
	bus := do.MustInvoke[*EventBusHandle](i)

	dispatcher := service.NewDispatcher(storeHandle.Store, aggregator, packager, storages.Encoded, log.Component("dispatch"))
	dispatcher.Subscribe(bus.Bus)
	return dispatcher, nil
}

// ProvideMediaService provides the media service.
func ProvideMediaService(i do.Injector) (*service.MediaService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	storages := do.MustInvoke[*Storages](i)
	tc := do.MustInvoke[transcoder.Transcoder](i)
	imgs := do.MustInvoke[*images.Processor](i)
	p := do.MustInvoke[*planner.Planner](i)
	encoder := do.MustInvoke[*EncoderHandle](i)
	chunks := do.MustInvoke[*service.ChunkCoordinator](i)
	aggregator := do.MustInvoke[*service.StatusAggregator](i)
	bus := do.MustInvoke[*EventBusHandle](i)

	return service.NewMediaService(
		storeHandle.Store,
		tc,
		storages.MediaStorages,
		imgs,
		p,
		encoder.Encoder,
		chunks,
		aggregator,
		bus.Bus,
		cfg.Encoding,
		log.Component("media"),
	), nil
}
