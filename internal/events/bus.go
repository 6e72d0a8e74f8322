package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. Handlers run on the bus's dispatcher
// goroutines, so several may run at the same time.
type Handler func(ctx context.Context, evt Event)

// Publisher is the sending side of the bus.
type Publisher interface {
	// Publish queues an event, waiting for buffer space.
	Publish(ctx context.Context, evt Event) error
	// Emit queues an event if there is room and drops it otherwise.
	Emit(evt Event)
}

// Bus fans events out to subscribed handlers.
type Bus struct {
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger
	workers int

	mu       sync.RWMutex
	handlers map[EventType][]Handler

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus with the given number of dispatcher goroutines and queue size.
func NewBus(logger *slog.Logger, workers, buffer int) *Bus {
	return &Bus{
		events:   make(chan Event, max(buffer, 1)),
		done:     make(chan struct{}),
		logger:   logger,
		workers:  max(workers, 1),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers h for the given event types. Subscribe before Start.
func (b *Bus) Subscribe(h Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Start launches the dispatcher goroutines. ctx is passed to handlers.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.logger.Info("event bus starting", slog.Int("dispatchers", b.workers))
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.dispatchLoop(ctx)
		}
	})
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-b.events:
			b.dispatch(ctx, evt)
		case <-b.done:
			b.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain delivers whatever is still queued after shutdown began.
func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case evt := <-b.events:
			b.dispatch(ctx, evt)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := b.handlers[evt.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(ctx, h, evt)
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(evt.Type)),
				slog.String("media_id", evt.MediaID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	h(ctx, evt)
}

// Publish queues evt, blocking until there is room, ctx ends or the bus closes.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.events <- evt:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", evt.Type, ctx.Err())
	}
}

// Emit queues evt without blocking. Events are dropped when the queue is full.
func (b *Bus) Emit(evt Event) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event queue full, dropping event",
			slog.String("event_type", string(evt.Type)),
			slog.String("media_id", evt.MediaID))
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	return len(b.events)
}

// Shutdown stops accepting events, lets the dispatchers deliver what is
// queued and waits for them until ctx ends.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info("event bus shutdown initiated")
	b.closeOnce.Do(func() { close(b.done) })

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.logger.Info("event bus drained")
		return nil
	case <-ctx.Done():
		b.logger.Warn("event bus drain timeout, some events may be lost",
			slog.Int("pending", len(b.events)))
		return ctx.Err()
	}
}
