// Package service orchestrates encoding: the worker pool, chunk reassembly,
// media status and the actions that follow a finished rendition.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/id"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

const (
	// progressStep is the smallest progress change worth a write.
	progressStep = 5
	// progressInterval bounds how often a single job writes progress.
	progressInterval = 2 * time.Second
	// publishTimeout bounds how long a finished job waits for bus capacity.
	publishTimeout = 10 * time.Second
)

// Encoder runs encoding jobs from the store-backed queue on a pool of workers.
// Submitting only persists a pending row and wakes the pool, so callers never
// wait for a transcode.
type Encoder struct {
	store      store.Store
	transcoder transcoder.Transcoder
	artifacts  *storage.Local
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     config.EncodingConfig
	name       string
	now        func() time.Time

	// Worker management
	ctx       context.Context //nolint:containedctx // Context needed for worker lifecycle management
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	jobNotify chan struct{} // Signal that new jobs are available
	running   atomic.Int32
}

// NewEncoder creates the worker pool. Workers start with Start.
func NewEncoder(
	st store.Store,
	tc transcoder.Transcoder,
	artifacts *storage.Local,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg config.EncodingConfig,
	name string,
	logger *slog.Logger,
) *Encoder {
	ctx, cancel := context.WithCancel(context.Background())

	return &Encoder{
		store:      st,
		transcoder: tc,
		artifacts:  artifacts,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		config:     cfg,
		name:       name,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		jobNotify:  make(chan struct{}, 1),
	}
}

// Start recovers jobs orphaned by a previous process and begins the worker pool.
func (e *Encoder) Start() {
	e.logger.Info("starting encode workers",
		slog.Int("workers", e.config.Workers),
		slog.String("worker_name", e.name),
	)

	e.recoverStalledJobs()

	for i := range e.config.Workers {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.maintenance()
}

// Stop cancels running transcodes and waits for the workers to exit. Jobs
// interrupted here stay running and are requeued by the next Start.
func (e *Encoder) Stop() {
	e.logger.Info("stopping encode workers")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("encode workers stopped")
}

// NotifyNewJob signals workers that a new job is available.
func (e *Encoder) NotifyNewJob() {
	select {
	case e.jobNotify <- struct{}{}:
	default:
		// Already notified
	}
}

// Running returns the number of transcodes in progress in this process.
func (e *Encoder) Running() int {
	return int(e.running.Load())
}

// Submit persists pending jobs and wakes the pool.
func (e *Encoder) Submit(ctx context.Context, encs ...*domain.Encoding) error {
	return e.SubmitAfter(ctx, 0, encs...)
}

// SubmitAfter persists pending jobs that become runnable after delay.
func (e *Encoder) SubmitAfter(ctx context.Context, delay time.Duration, encs ...*domain.Encoding) error {
	if len(encs) == 0 {
		return nil
	}

	now := e.now()
	for _, enc := range encs {
		if enc.ID == "" {
			encID, err := id.Generate(id.PrefixEncoding)
			if err != nil {
				return err
			}
			enc.ID = encID
		}
		enc.Status = domain.EncodingPending
		enc.Progress = 0
		enc.CreatedAt = now
		enc.UpdatedAt = now
		enc.NotBefore = now.Add(max(delay, 0))
	}

	if err := e.store.CreateEncodings(ctx, encs...); err != nil {
		return fmt.Errorf("submit encodings: %w", err)
	}

	e.logger.Debug("submitted encodings",
		slog.String("media_id", encs[0].MediaID),
		slog.Int("count", len(encs)),
		slog.Duration("delay", delay),
	)
	e.NotifyNewJob()
	return nil
}

func (e *Encoder) worker(id int) {
	defer e.wg.Done()

	e.logger.Debug("encode worker started", slog.Int("worker_id", id))

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("encode worker stopping", slog.Int("worker_id", id))
			return
		case <-e.jobNotify:
			e.drainQueue(id)
		case <-time.After(e.config.PollInterval):
			// Periodic check for delayed jobs and missed notifications
			e.drainQueue(id)
		}
	}
}

func (e *Encoder) drainQueue(workerID int) {
	for e.ctx.Err() == nil && e.processNextJob(workerID) {
	}
}

func (e *Encoder) workerName(workerID int) string {
	return fmt.Sprintf("%s/w%d", e.name, workerID)
}

// processNextJob claims and runs one job. It returns false when the queue had
// nothing runnable.
func (e *Encoder) processNextJob(workerID int) bool {
	ctx := e.ctx

	enc, err := e.store.ClaimNextEncoding(ctx, e.workerName(workerID), e.now())
	if errors.Is(err, store.ErrQueueEmpty) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("failed to claim encoding", slog.Any("error", err))
		}
		return false
	}

	// There may be more; let an idle worker look.
	e.NotifyNewJob()

	// Chunk rows never count toward the media status.
	if !enc.Chunk {
		e.publish(ctx, events.NewEncodingStartedEvent(enc))
	}

	e.logger.Info("starting encode",
		slog.Int("worker_id", workerID),
		slog.String("encoding_id", enc.ID),
		slog.String("media_id", enc.MediaID),
		slog.String("profile_id", enc.ProfileID),
		slog.Bool("chunk", enc.Chunk),
	)

	e.runJob(ctx, enc)
	return true
}

// jobInput is what a claimed job needs besides the record itself.
type jobInput struct {
	profile  *domain.EncodeProfile
	source   string
	duration float64
}

func (e *Encoder) loadInput(ctx context.Context, enc *domain.Encoding) (*jobInput, error) {
	profile, err := e.store.GetProfile(ctx, enc.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", enc.ProfileID, err)
	}
	media, err := e.store.GetMedia(ctx, enc.MediaID)
	if err != nil {
		return nil, fmt.Errorf("load media %s: %w", enc.MediaID, err)
	}

	in := &jobInput{profile: profile, source: media.SourcePath, duration: media.Duration}
	if enc.Chunk {
		in.source = enc.ChunkSourcePath
		in.duration = enc.ChunkDuration
		if in.duration <= 0 {
			in.duration = media.Duration / float64(enc.ChunkCount)
		}
	}
	return in, nil
}

func (e *Encoder) runJob(ctx context.Context, enc *domain.Encoding) {
	started := time.Now()
	e.running.Add(1)
	e.metrics.JobStarted(enc.Chunk)
	status := domain.EncodingRunning
	defer func() {
		e.running.Add(-1)
		e.metrics.JobFinished(enc.Chunk, status, time.Since(started))
	}()

	in, err := e.loadInput(ctx, enc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		status = e.finishFailed(ctx, enc, nil, err, false)
		return
	}

	scratch, err := e.artifacts.TempDir(enc.ID)
	if err != nil {
		status = e.finishFailed(ctx, enc, nil, fmt.Errorf("create scratch dir: %w", err), true)
		return
	}
	defer e.artifacts.RemoveTemp(scratch)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var lost atomic.Bool
	onProgress := e.progressFunc(jobCtx, enc, func() {
		lost.Store(true)
		cancelJob()
	})

	output := filepath.Join(scratch, "output."+in.profile.Extension)
	res, err := e.transcoder.Encode(jobCtx, transcoder.EncodeRequest{
		Source:   in.source,
		Output:   output,
		Profile:  in.profile,
		Duration: in.duration,
	}, onProgress)

	switch {
	case lost.Load():
		e.logger.Warn("encoding no longer running, discarding output",
			slog.String("encoding_id", enc.ID),
			slog.String("media_id", enc.MediaID),
		)
		status = domain.EncodingPending
		return
	case ctx.Err() != nil:
		e.logger.Info("encode interrupted by shutdown",
			slog.String("encoding_id", enc.ID),
		)
		return
	case err != nil:
		status = e.finishFailed(ctx, enc, res, err, true)
		return
	}

	status = e.finishSucceeded(ctx, enc, in.profile, output, res)
}

// progressFunc returns a callback that writes progress in steps and at a
// bounded rate. The write doubles as the job's liveness heartbeat; when it
// finds the row no longer running, onLost is called.
func (e *Encoder) progressFunc(ctx context.Context, enc *domain.Encoding, onLost func()) transcoder.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	last := 0

	return func(percent int) {
		percent = domain.ClampProgress(percent)
		if percent-last < progressStep && percent != 100 {
			return
		}
		if !limiter.Allow() {
			return
		}
		last = percent

		err := e.store.UpdateEncodingProgress(ctx, enc.ID, percent, e.now())
		switch {
		case errors.Is(err, store.ErrConflict):
			onLost()
			return
		case err != nil:
			if ctx.Err() == nil {
				e.logger.Warn("failed to record progress",
					slog.String("encoding_id", enc.ID),
					slog.Any("error", err))
			}
			return
		}
		e.publisher.Emit(events.NewEncodingProgressEvent(enc, percent))
	}
}

func (e *Encoder) finishSucceeded(
	ctx context.Context,
	enc *domain.Encoding,
	profile *domain.EncodeProfile,
	output string,
	res *transcoder.Result,
) domain.EncodingStatus {
	key, err := storage.ArtifactKey(enc.MediaID, profile.Extension)
	if err != nil {
		return e.finishFailed(ctx, enc, res, err, true)
	}
	path, err := e.artifacts.Move(output, key)
	if err != nil {
		return e.finishFailed(ctx, enc, res, fmt.Errorf("store artifact: %w", err), true)
	}
	checksum, size, err := storage.HashFile(path)
	if err != nil {
		_ = e.artifacts.Remove(path)
		return e.finishFailed(ctx, enc, res, fmt.Errorf("hash artifact: %w", err), true)
	}

	if err := enc.MarkSucceeded(path, size, checksum, e.now()); err != nil {
		_ = e.artifacts.Remove(path)
		e.logger.Error("invalid success transition",
			slog.String("encoding_id", enc.ID),
			slog.Any("error", err))
		return enc.Status
	}
	if res != nil {
		enc.Logs = res.Output
		enc.Commands = res.Command
	}

	if err := e.store.FinishEncoding(ctx, enc); err != nil {
		// The row was requeued, failed or torn down while we ran.
		_ = e.artifacts.Remove(path)
		e.logFinishError(enc, err)
		return domain.EncodingPending
	}

	e.logger.Info("encode completed",
		slog.String("encoding_id", enc.ID),
		slog.String("media_id", enc.MediaID),
		slog.String("output", path),
		slog.Int64("size", size),
		slog.Duration("run_time", enc.TotalRunTime),
	)
	e.publishCompleted(ctx, enc)
	return domain.EncodingSuccess
}

// finishFailed requeues enc while retries remain, and fails it otherwise.
// Only the final failure is published.
func (e *Encoder) finishFailed(
	ctx context.Context,
	enc *domain.Encoding,
	res *transcoder.Result,
	cause error,
	retryable bool,
) domain.EncodingStatus {
	logs := failureLogs(res, cause)
	if res != nil {
		enc.Commands = res.Command
	}
	now := e.now()

	if retryable && enc.Retries < e.config.MaxRetries {
		if err := enc.Requeue(logs, now.Add(e.config.RetryBackoff), now); err != nil {
			e.logger.Error("invalid requeue transition",
				slog.String("encoding_id", enc.ID),
				slog.Any("error", err))
			return enc.Status
		}
		if err := e.store.FinishEncoding(ctx, enc); err != nil {
			e.logFinishError(enc, err)
			return domain.EncodingPending
		}
		e.metrics.JobRequeued()
		e.logger.Warn("encode failed, requeued",
			slog.String("encoding_id", enc.ID),
			slog.Int("retries", enc.Retries),
			slog.Time("not_before", enc.NotBefore),
			slog.Any("error", cause),
		)
		if !enc.Chunk {
			e.publish(ctx, events.NewEncodingRequeuedEvent(enc))
		}
		return domain.EncodingPending
	}

	if err := enc.MarkFailed(logs, now); err != nil {
		e.logger.Error("invalid failure transition",
			slog.String("encoding_id", enc.ID),
			slog.Any("error", err))
		return enc.Status
	}
	if err := e.store.FinishEncoding(ctx, enc); err != nil {
		e.logFinishError(enc, err)
		return domain.EncodingPending
	}

	e.logger.Error("encode failed",
		slog.String("encoding_id", enc.ID),
		slog.String("media_id", enc.MediaID),
		slog.Int("retries", enc.Retries),
		slog.Any("error", cause),
	)
	e.publishCompleted(ctx, enc)
	return domain.EncodingFail
}

func (e *Encoder) logFinishError(enc *domain.Encoding, err error) {
	if errors.Is(err, store.ErrConflict) {
		e.logger.Warn("encoding changed while running, result discarded",
			slog.String("encoding_id", enc.ID),
			slog.String("media_id", enc.MediaID))
		return
	}
	e.logger.Error("failed to record encoding result",
		slog.String("encoding_id", enc.ID),
		slog.Any("error", err))
}

func (e *Encoder) publishCompleted(ctx context.Context, enc *domain.Encoding) {
	e.publish(ctx, events.NewEncodingCompletedEvent(enc))
}

// publish delivers a lifecycle event, waiting up to publishTimeout for bus
// capacity even when ctx is done.
func (e *Encoder) publish(ctx context.Context, evt events.Event) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(publishCtx, evt); err != nil {
		e.logger.Error("failed to publish encoding event",
			slog.String("type", string(evt.Type)),
			slog.String("media_id", evt.MediaID),
			slog.Any("error", err))
	}
}

func failureLogs(res *transcoder.Result, cause error) string {
	var b strings.Builder
	if res != nil && res.Output != "" {
		b.WriteString(strings.TrimRight(res.Output, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(cause.Error())
	return b.String()
}

// recoverStalledJobs returns jobs a previous run of this process left running
// to the queue. Jobs claimed under another worker name belong to a live
// process or are left to the stale sweep.
func (e *Encoder) recoverStalledJobs() {
	n, err := e.store.ResetRunningEncodings(e.ctx, e.name, e.now())
	if err != nil {
		e.logger.Error("failed to reset running encodings", slog.Any("error", err))
		return
	}
	if n > 0 {
		e.logger.Info("recovered stalled encodings", slog.Int("count", n))
		e.NotifyNewJob()
	}
}

// maintenance sweeps stale jobs and refreshes queue gauges.
func (e *Encoder) maintenance() {
	defer e.wg.Done()

	var sweep <-chan time.Time
	if e.config.StaleSweepInterval > 0 {
		ticker := time.NewTicker(e.config.StaleSweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	gauges := time.NewTicker(e.config.PollInterval)
	defer gauges.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-sweep:
			if _, err := e.SweepStale(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("stale sweep failed", slog.Any("error", err))
			}
		case <-gauges.C:
			e.refreshGauges(e.ctx)
		}
	}
}

func (e *Encoder) refreshGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.store.CountEncodingsByStatus(ctx)
	if err != nil {
		return
	}
	e.metrics.SetQueueDepth(counts)
}

// SweepStale treats running jobs without a heartbeat for StaleAfter as failed
// attempts: they are requeued while retries remain and failed otherwise. The
// transcode itself is left alone; its worker notices on the next progress write.
func (e *Encoder) SweepStale(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.config.StaleAfter)
	stale, err := e.store.ListStaleEncodings(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale encodings: %w", err)
	}

	for _, enc := range stale {
		e.logger.Warn("encoding is stale",
			slog.String("encoding_id", enc.ID),
			slog.String("worker", enc.Worker),
			slog.Time("updated_at", enc.UpdatedAt),
		)
		e.finishFailed(ctx, enc, nil, fmt.Errorf("no progress since %s", enc.UpdatedAt.Format(time.RFC3339)), true)
	}
	if len(stale) > 0 {
		e.NotifyNewJob()
	}
	return len(stale), nil
}
