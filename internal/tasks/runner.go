// Package tasks runs idempotent background work keyed by subject. A task
// enqueued while another with the same key runs replaces any queued
// successor, so bursts collapse into at most one extra run.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("task runner closed")

// Func is a unit of background work.
type Func func(ctx context.Context) error

type keyState struct {
	next Func
}

// Runner executes keyed tasks with bounded concurrency.
type Runner struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context //nolint:containedctx // Context needed for task lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool
}

// New creates a runner executing at most concurrency tasks at once.
func New(logger *slog.Logger, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]*keyState),
	}
}

// Enqueue schedules fn under key. If a task for key is in flight, fn
// replaces whatever was queued behind it and runs once the current one ends.
func (r *Runner) Enqueue(key string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if st, ok := r.keys[key]; ok {
		st.next = fn
		r.logger.Debug("task coalesced", "key", key)
		return nil
	}

	r.keys[key] = &keyState{}
	r.wg.Add(1)
	go r.run(key, fn)
	return nil
}

func (r *Runner) run(key string, fn Func) {
	defer r.wg.Done()

	for fn != nil {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.mu.Lock()
			delete(r.keys, key)
			r.mu.Unlock()
			return
		}

		start := time.Now()
		err := r.call(key, fn)
		r.sem.Release(1)

		if err != nil {
			r.logger.Error("task failed",
				"key", key,
				"duration", time.Since(start),
				"error", err)
		} else {
			r.logger.Debug("task finished", "key", key, "duration", time.Since(start))
		}

		r.mu.Lock()
		st := r.keys[key]
		fn, st.next = st.next, nil
		if fn == nil {
			delete(r.keys, key)
		}
		r.mu.Unlock()
	}
}

func (r *Runner) call(key string, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "key", key, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", key, p)
		}
	}()
	return fn(r.ctx)
}

// InFlight returns the number of keys with a running or queued task.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Wait blocks until every enqueued task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and Shutdown returns ctx.Err().
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
