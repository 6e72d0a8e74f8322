package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/syncmap"
)

// StatusAggregator is the only writer of a media item's encoding status
// after intake. Recomputes for the same media are serialized.
type StatusAggregator struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	config    config.EncodingConfig
	locks     *syncmap.Locks[string]
	now       func() time.Time
}

// NewStatusAggregator creates an aggregator.
func NewStatusAggregator(st store.Store, publisher events.Publisher, cfg config.EncodingConfig, logger *slog.Logger) *StatusAggregator {
	return &StatusAggregator{
		store:     st,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		locks:     syncmap.NewLocks[string](),
		now:       time.Now,
	}
}

// Recompute derives the media's status from its primary renditions and
// stores it with the resulting listable flag. Chunk rows never count: a
// chunked profile is represented by its final record once reassembled.
func (a *StatusAggregator) Recompute(ctx context.Context, mediaID string) (domain.EncodingStatus, error) {
	unlock := a.locks.Lock(mediaID)
	defer unlock()

	media, err := a.store.GetMedia(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("load media: %w", err)
	}
	encs, err := a.store.ListEncodingsByMedia(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("load encodings: %w", err)
	}

	profiles := make(map[string]*domain.EncodeProfile)
	var statuses []domain.EncodingStatus
	for _, enc := range encs {
		if enc.Chunk {
			continue
		}
		profile, ok := profiles[enc.ProfileID]
		if !ok {
			if profile, err = a.store.GetProfile(ctx, enc.ProfileID); err != nil {
				return "", fmt.Errorf("load profile %s: %w", enc.ProfileID, err)
			}
			profiles[enc.ProfileID] = profile
		}
		if a.config.IsPrimaryContainer(profile.Extension) {
			statuses = append(statuses, enc.Status)
		}
	}

	status := domain.AggregateStatus(statuses)
	listable := domain.ComputeListable(media.State, status, a.config.PlayOriginalWhileEncoding)
	if status == media.EncodingStatus && listable == media.Listable {
		return status, nil
	}

	if err := a.store.SetMediaEncodingStatus(ctx, mediaID, status, listable, a.now()); err != nil {
		return "", fmt.Errorf("store media status: %w", err)
	}

	a.logger.Info("media encoding status changed",
		slog.String("media_id", mediaID),
		slog.String("from", string(media.EncodingStatus)),
		slog.String("to", string(status)),
		slog.Bool("listable", listable),
	)
	a.publisher.Emit(events.NewMediaStatusEvent(mediaID, status, listable))
	return status, nil
}
