package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/logger"
)

// EventBusHandle wraps the event bus with its context for lifecycle management.
type EventBusHandle struct {
	*events.Bus
	ctx    context.Context //nolint:containedctx // Passed to handlers when the bus starts
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable. Queued events are drained first.
func (h *EventBusHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := h.Bus.Shutdown(ctx)
	h.cancel()
	return err
}

// StartBus launches the dispatchers. Subscribers register first, in Bootstrap.
func (h *EventBusHandle) StartBus() {
	h.Start(h.ctx)
}

// ProvideEventBus provides the in-process event bus. It is started by
// Bootstrap once every subscriber is registered.
func ProvideEventBus(i do.Injector) (*EventBusHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)

	ctx, cancel := context.WithCancel(context.Background())
	return &EventBusHandle{
		Bus:    events.NewBus(log.Component("events"), eventDispatchers, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}
