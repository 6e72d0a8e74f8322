package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store"
)

// reconcileParallelism bounds the media recomputed at once during Reconcile.
const reconcileParallelism = 4

// Action distinguishes a rendition appearing from one being removed.
type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
)

// Dispatcher runs the post-encode actions for final, non-chunk encodings:
// status recompute, preview bookkeeping, HLS packaging and trim completion.
// Failures are logged; nothing is returned to the publisher.
type Dispatcher struct {
	store      store.Store
	aggregator *StatusAggregator
	packager   *Packager
	artifacts  *storage.Local
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	st store.Store,
	aggregator *StatusAggregator,
	packager *Packager,
	artifacts *storage.Local,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:      st,
		aggregator: aggregator,
		packager:   packager,
		artifacts:  artifacts,
		logger:     logger,
		now:        time.Now,
	}
}

// Subscribe registers the dispatcher on the bus.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	bus.Subscribe(d.Handle,
		events.EventEncodingStarted,
		events.EventEncodingRequeued,
		events.EventEncodingCompleted,
		events.EventEncodingDeleted,
	)
}

// Handle is the bus entry point.
func (d *Dispatcher) Handle(ctx context.Context, evt events.Event) {
	enc, ok := evt.Encoding()
	if !ok {
		return
	}
	if enc.Chunk {
		// Chunk outcomes belong to the coordinator; only stray artifacts are ours.
		if evt.Type == events.EventEncodingDeleted && enc.OutputPath != "" {
			if err := d.artifacts.Remove(enc.OutputPath); err != nil {
				d.logger.Warn("failed to remove chunk artifact",
					slog.String("encoding_id", enc.ID),
					slog.Any("error", err))
			}
		}
		return
	}
	switch evt.Type {
	case events.EventEncodingStarted, events.EventEncodingRequeued:
		if _, err := d.aggregator.Recompute(ctx, enc.MediaID); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("failed to recompute media status",
				slog.String("media_id", enc.MediaID),
				slog.Any("error", err))
		}
	case events.EventEncodingCompleted:
		d.PostEncode(ctx, enc, ActionAdd)
	case events.EventEncodingDeleted:
		d.PostEncode(ctx, enc, ActionDelete)
	}
}

// PostEncode applies the actions that follow enc being added or deleted.
func (d *Dispatcher) PostEncode(ctx context.Context, enc *domain.Encoding, action Action) {
	log := d.logger.With(
		slog.String("media_id", enc.MediaID),
		slog.String("encoding_id", enc.ID),
		slog.String("action", string(action)),
	)

	if action == ActionDelete && enc.OutputPath != "" {
		if err := d.artifacts.Remove(enc.OutputPath); err != nil {
			log.Warn("failed to remove artifact", slog.Any("error", err))
		}
	}

	media, err := d.store.GetMedia(ctx, enc.MediaID)
	if errors.Is(err, store.ErrNotFound) {
		// Media deletion cascades encodings; nothing left to update.
		return
	}
	if err != nil {
		log.Error("failed to load media", slog.Any("error", err))
		return
	}

	if _, err := d.aggregator.Recompute(ctx, enc.MediaID); err != nil {
		log.Error("failed to recompute media status", slog.Any("error", err))
	}

	profile, err := d.store.GetProfile(ctx, enc.ProfileID)
	if err != nil {
		log.Error("failed to load profile", slog.Any("error", err))
		return
	}

	d.updatePreview(ctx, media, enc, profile, action, log)

	if action != ActionAdd || enc.Status != domain.EncodingSuccess || profile.Codec != domain.CodecH264 {
		return
	}

	if err := d.packager.EnqueueHLS(enc.MediaID); err != nil {
		log.Error("failed to schedule hls packaging", slog.Any("error", err))
	}
	d.completeTrim(ctx, enc.MediaID, log)
}

func (d *Dispatcher) updatePreview(
	ctx context.Context,
	media *domain.Media,
	enc *domain.Encoding,
	profile *domain.EncodeProfile,
	action Action,
	log *slog.Logger,
) {
	if media.MediaType != domain.MediaTypeVideo {
		return
	}

	preview := media.PreviewPath
	switch {
	case profile.IsPreview() && action == ActionAdd && enc.Status == domain.EncodingSuccess:
		preview = enc.OutputPath
	case profile.IsPreview() && action == ActionDelete:
		preview = ""
	case action == ActionDelete:
		remaining, err := d.store.ListEncodingsByMedia(ctx, media.ID)
		if err != nil {
			log.Error("failed to load encodings", slog.Any("error", err))
			return
		}
		if len(remaining) == 0 {
			preview = ""
		}
	}

	if preview == media.PreviewPath {
		return
	}
	if err := d.store.SetMediaPreview(ctx, media.ID, preview, d.now()); err != nil {
		log.Error("failed to store preview", slog.Any("error", err))
		return
	}
	log.Debug("preview updated", slog.String("preview", preview))
}

// completeTrim hands a running trim request over to the post-trim task and
// marks it done.
func (d *Dispatcher) completeTrim(ctx context.Context, mediaID string, log *slog.Logger) {
	req, err := d.store.GetRunningTrimRequest(ctx, mediaID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("failed to load trim request", slog.Any("error", err))
		return
	}

	if err := d.packager.EnqueuePostTrim(mediaID); err != nil {
		log.Error("failed to schedule post-trim task", slog.Any("error", err))
		return
	}
	err = d.store.SetTrimStatus(ctx, req.ID, domain.TrimSuccess, d.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Error("failed to complete trim request",
			slog.String("trim_id", req.ID),
			slog.Any("error", err))
		return
	}
	log.Info("trim request completed", slog.String("trim_id", req.ID))
}

// Reconcile repairs post-encode work lost to a shutdown: media whose status
// is not final are recomputed, video missing its HLS package is re-queued for
// packaging, and running trim requests already satisfied by a newer h264
// rendition are completed.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	medias, err := d.store.ListMedia(ctx)
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, m := range medias {
		g.Go(func() error {
			d.reconcileMedia(gctx, m)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) reconcileMedia(ctx context.Context, media *domain.Media) {
	log := d.logger.With(slog.String("media_id", media.ID))

	if !media.EncodingStatus.IsFinal() {
		status, err := d.aggregator.Recompute(ctx, media.ID)
		if err != nil {
			log.Error("failed to recompute media status", slog.Any("error", err))
			return
		}
		if status != media.EncodingStatus {
			log.Info("media status repaired",
				slog.String("from", string(media.EncodingStatus)),
				slog.String("to", string(status)))
		}
	}

	if media.MediaType != domain.MediaTypeVideo {
		return
	}
	latest, err := d.latestH264Success(ctx, media.ID)
	if err != nil {
		log.Error("failed to load encodings", slog.Any("error", err))
		return
	}
	if latest == nil {
		return
	}

	if media.HLSPath == "" {
		if err := d.packager.EnqueueHLS(media.ID); err != nil {
			log.Error("failed to schedule hls packaging", slog.Any("error", err))
		}
	}

	req, err := d.store.GetRunningTrimRequest(ctx, media.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("failed to load trim request", slog.Any("error", err))
		return
	}
	if latest.CompletedAt != nil && latest.CompletedAt.After(req.CreatedAt) {
		d.completeTrim(ctx, media.ID, log)
	}
}

// latestH264Success returns the most recently completed successful h264 mp4
// rendition of the media, or nil.
func (d *Dispatcher) latestH264Success(ctx context.Context, mediaID string) (*domain.Encoding, error) {
	encs, err := d.store.ListEncodingsByMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	var latest *domain.Encoding
	for _, enc := range encs {
		if enc.Chunk || enc.Status != domain.EncodingSuccess {
			continue
		}
		profile, err := d.store.GetProfile(ctx, enc.ProfileID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if profile.Codec != domain.CodecH264 || profile.Extension != domain.ExtensionMP4 {
			continue
		}
		if latest == nil || completedAfter(enc, latest) {
			latest = enc
		}
	}
	return latest, nil
}

func completedAfter(a, b *domain.Encoding) bool {
	if a.CompletedAt == nil {
		return false
	}
	return b.CompletedAt == nil || a.CompletedAt.After(*b.CompletedAt)
}
