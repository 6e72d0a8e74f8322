package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/domain"
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/id"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/planner"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
	"github.com/reelhouse/reelhouse-server/internal/validation"
)

// tokenLength is the length of public media tokens.
const tokenLength = 10

// MediaStorages groups the file areas the media service writes to.
type MediaStorages struct {
	Originals *storage.Local
	Encoded   *storage.Local
	HLS       *storage.Local
}

// MediaService is the intake side of the engine: it registers uploads,
// probes them, produces still images and plans their renditions.
type MediaService struct {
	store      store.Store
	transcoder transcoder.Transcoder
	storages   MediaStorages
	images     *images.Processor
	planner    *planner.Planner
	encoder    Submitter
	chunks     *ChunkCoordinator
	aggregator *StatusAggregator
	publisher  events.Publisher
	validator  *validation.Validator
	config     config.EncodingConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewMediaService creates the media service.
func NewMediaService(
	st store.Store,
	tc transcoder.Transcoder,
	storages MediaStorages,
	imgs *images.Processor,
	p *planner.Planner,
	encoder Submitter,
	chunks *ChunkCoordinator,
	aggregator *StatusAggregator,
	publisher events.Publisher,
	cfg config.EncodingConfig,
	logger *slog.Logger,
) *MediaService {
	return &MediaService{
		store:      st,
		transcoder: tc,
		storages:   storages,
		images:     imgs,
		planner:    p,
		encoder:    encoder,
		chunks:     chunks,
		aggregator: aggregator,
		publisher:  publisher,
		validator:  validation.New(),
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SeedProfiles inserts the default rendition ladder. Profiles that already
// exist are left as configured.
func (s *MediaService) SeedProfiles(ctx context.Context) (int, error) {
	created := 0
	for _, p := range domain.DefaultProfiles() {
		_, err := s.store.GetProfile(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, fmt.Errorf("load profile %s: %w", p.ID, err)
		}
		if err := s.SaveProfile(ctx, p); err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		s.logger.Info("seeded encode profiles", slog.Int("count", created))
	}
	return created, nil
}

// SaveProfile validates and stores a profile.
func (s *MediaService) SaveProfile(ctx context.Context, p *domain.EncodeProfile) error {
	if err := s.validator.Validate(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// IngestFile takes ownership of a file dropped in the inbox: it is moved into
// the originals area and ingested.
func (s *MediaService) IngestFile(ctx context.Context, path string) (*domain.Media, error) {
	m, err := s.newMedia(titleFromFilename(path))
	if err != nil {
		return nil, err
	}

	key := originalKey(m.ID, path)
	if m.SourcePath, err = s.storages.Originals.Move(path, key); err != nil {
		return nil, fmt.Errorf("move upload into originals: %w", err)
	}
	return s.register(ctx, m)
}

// Upload stores r as a new original named filename and ingests it.
func (s *MediaService) Upload(ctx context.Context, r io.Reader, filename, title string) (*domain.Media, error) {
	if title == "" {
		title = titleFromFilename(filename)
	}
	m, err := s.newMedia(norm.NFC.String(strings.TrimSpace(title)))
	if err != nil {
		return nil, err
	}

	if m.SourcePath, err = s.storages.Originals.Store(ctx, r, originalKey(m.ID, filename)); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	return s.register(ctx, m)
}

// titleFromFilename drops the directory and extension. Names are composed to
// NFC since macOS hands out decomposed file names.
func titleFromFilename(name string) string {
	base := filepath.Base(name)
	return norm.NFC.String(strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base))))
}

func originalKey(mediaID, filename string) string {
	return mediaID + "/original" + strings.ToLower(filepath.Ext(filename))
}

func (s *MediaService) newMedia(title string) (*domain.Media, error) {
	mediaID, err := id.Generate(id.PrefixMedia)
	if err != nil {
		return nil, err
	}
	token, err := id.Token(tokenLength)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &domain.Media{
		ID:             mediaID,
		Token:          token,
		Title:          title,
		State:          domain.StatePublic,
		EncodingStatus: domain.EncodingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *MediaService) register(ctx context.Context, m *domain.Media) (*domain.Media, error) {
	if err := s.store.CreateMedia(ctx, m); err != nil {
		_ = s.storages.Originals.Remove(m.SourcePath)
		return nil, fmt.Errorf("create media: %w", err)
	}
	s.logger.Info("media registered",
		slog.String("media_id", m.ID),
		slog.String("title", m.Title),
		slog.String("source", m.SourcePath),
	)

	if err := s.Ingest(ctx, m); err != nil {
		return m, err
	}
	return s.store.GetMedia(ctx, m.ID)
}

// Ingest probes the original and starts its encodings. Sources that cannot
// be read fail the media and hide it; non-video media and the do-not-transcode
// setting succeed without renditions.
func (s *MediaService) Ingest(ctx context.Context, m *domain.Media) error {
	log := s.logger.With(slog.String("media_id", m.ID))

	probe, err := s.transcoder.Probe(ctx, m.SourcePath)
	if err != nil {
		return s.reject(ctx, m, domainerrors.Wrap(err, domainerrors.CodeUnsupported, "probe source"))
	}

	m.MediaType = probe.MediaType
	m.Duration = probe.Duration
	m.Width = probe.Width
	m.Height = probe.Height
	if err := s.store.UpdateMediaSource(ctx, m); err != nil {
		return fmt.Errorf("store probe result: %w", err)
	}
	log.Info("probed source",
		slog.String("media_type", string(m.MediaType)),
		slog.Float64("duration", m.Duration),
		slog.Int("height", m.Height),
	)

	if m.MediaType != domain.MediaTypeVideo {
		return s.setStatus(ctx, m, domain.EncodingSuccess)
	}
	if m.Duration <= 0 {
		return s.reject(ctx, m, domainerrors.Unsupportedf("video without duration (format %q, codec %q)", probe.FormatName, probe.VideoCodec))
	}

	if err := refreshImages(ctx, s.store, s.images, m, s.now, log); err != nil {
		log.Warn("failed to extract still images", slog.Any("error", err))
	}

	profiles, err := s.store.ListProfiles(ctx, true)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	skipped, err := s.encodeProfiles(ctx, m, profiles)
	if err != nil {
		return err
	}
	if skipped {
		return s.setStatus(ctx, m, domain.EncodingSuccess)
	}

	_, err = s.aggregator.Recompute(ctx, m.ID)
	return err
}

func (s *MediaService) reject(ctx context.Context, m *domain.Media, cause error) error {
	now := s.now()
	if err := s.store.SetMediaState(ctx, m.ID, domain.StateUnlisted, now); err != nil {
		return errors.Join(cause, err)
	}
	if err := s.store.SetMediaEncodingStatus(ctx, m.ID, domain.EncodingFail, false, now); err != nil {
		return errors.Join(cause, err)
	}
	m.State = domain.StateUnlisted
	m.EncodingStatus = domain.EncodingFail
	m.Listable = false

	s.logger.Warn("rejected media",
		slog.String("media_id", m.ID),
		slog.Any("error", cause))
	s.publisher.Emit(events.NewMediaStatusEvent(m.ID, domain.EncodingFail, false))
	return cause
}

// setStatus writes an intake outcome that has no renditions behind it.
func (s *MediaService) setStatus(ctx context.Context, m *domain.Media, status domain.EncodingStatus) error {
	listable := domain.ComputeListable(m.State, status, s.config.PlayOriginalWhileEncoding)
	if err := s.store.SetMediaEncodingStatus(ctx, m.ID, status, listable, s.now()); err != nil {
		return fmt.Errorf("store media status: %w", err)
	}
	m.EncodingStatus = status
	m.Listable = listable
	s.publisher.Emit(events.NewMediaStatusEvent(m.ID, status, listable))
	return nil
}

// encodeProfiles plans the given profiles for m and queues the result. It
// reports whether transcoding is switched off.
func (s *MediaService) encodeProfiles(ctx context.Context, m *domain.Media, profiles []*domain.EncodeProfile) (bool, error) {
	plan, err := s.planner.Plan(planner.Input{
		Duration:       m.Duration,
		Height:         m.Height,
		Profiles:       profiles,
		DoNotTranscode: s.config.DoNotTranscode,
	})
	if err != nil {
		return false, fmt.Errorf("plan encodings: %w", err)
	}
	if plan.SkipTranscode {
		return true, nil
	}

	direct := plan.Direct
	if plan.IsChunked() {
		if _, err := s.chunks.Chunkize(ctx, m, plan.Chunked, plan.Segments); err != nil {
			// Whole-file encodes still produce every rendition, only slower.
			s.logger.Warn("chunking failed, encoding whole source",
				slog.String("media_id", m.ID),
				slog.Any("error", err))
			direct = append(slices.Clone(direct), plan.Chunked...)
		}
	}

	encs := make([]*domain.Encoding, 0, len(direct))
	for _, sub := range direct {
		encs = append(encs, &domain.Encoding{
			MediaID:   m.ID,
			ProfileID: sub.Profile.ID,
			Priority:  sub.Priority,
		})
	}
	if err := s.encoder.Submit(ctx, encs...); err != nil {
		return false, err
	}

	s.logger.Info("planned encodings",
		slog.String("media_id", m.ID),
		slog.Int("direct", len(direct)),
		slog.Int("chunked", len(plan.Chunked)),
		slog.Int("segments", len(plan.Segments)),
	)
	return false, nil
}

// Encode queues renditions of the media for the given profiles, or for every
// active profile when none are named. Profiles with a live or successful
// rendition, or a chunk group in flight, are skipped unless force is set, in
// which case their existing renditions and chunk groups are deleted first.
func (s *MediaService) Encode(ctx context.Context, mediaID string, profileIDs []string, force bool) error {
	m, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("load media: %w", err)
	}
	if m.MediaType != domain.MediaTypeVideo {
		return domainerrors.Validationf("media %s is not a video", mediaID)
	}

	var profiles []*domain.EncodeProfile
	if len(profileIDs) == 0 {
		if profiles, err = s.store.ListProfiles(ctx, true); err != nil {
			return fmt.Errorf("load profiles: %w", err)
		}
	} else {
		for _, pid := range profileIDs {
			p, err := s.store.GetProfile(ctx, pid)
			if err != nil {
				return fmt.Errorf("load profile %s: %w", pid, err)
			}
			profiles = append(profiles, p)
		}
	}

	existing, err := s.store.ListEncodingsByMedia(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("load encodings: %w", err)
	}

	var todo []*domain.EncodeProfile
	for _, p := range profiles {
		var current []*domain.Encoding
		var groups []domain.ChunkGroupKey
		for _, enc := range existing {
			if enc.ProfileID != p.ID {
				continue
			}
			if enc.Chunk {
				if !slices.Contains(groups, *enc.ChunkGroup) {
					groups = append(groups, *enc.ChunkGroup)
				}
				continue
			}
			current = append(current, enc)
		}

		if force {
			for _, key := range groups {
				if err := s.chunks.Discard(ctx, key); err != nil {
					return err
				}
			}
			for _, enc := range current {
				if err := s.DeleteEncoding(ctx, enc.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
			todo = append(todo, p)
			continue
		}
		// A chunk group still in flight counts as a live encoding.
		live := len(groups) > 0 ||
			slices.ContainsFunc(current, func(e *domain.Encoding) bool { return e.Status != domain.EncodingFail })
		if !live {
			todo = append(todo, p)
		}
	}

	if len(todo) == 0 {
		return nil
	}
	if _, err := s.encodeProfiles(ctx, m, todo); err != nil {
		return err
	}
	_, err = s.aggregator.Recompute(ctx, mediaID)
	return err
}

// DeleteEncoding removes one encoding. Artifact removal and status updates
// follow from the deletion event.
func (s *MediaService) DeleteEncoding(ctx context.Context, encodingID string) error {
	enc, err := s.store.DeleteEncoding(ctx, encodingID)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, events.NewEncodingDeletedEvent(enc)); err != nil {
		return fmt.Errorf("publish deletion: %w", err)
	}
	return nil
}

// Delete removes the media with its encodings and every file produced for it.
func (s *MediaService) Delete(ctx context.Context, mediaID string) error {
	m, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return err
	}
	encs, err := s.store.ListEncodingsByMedia(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("load encodings: %w", err)
	}

	if err := s.store.DeleteMedia(ctx, mediaID); err != nil {
		return err
	}

	extracts := make(map[string]bool)
	for _, enc := range encs {
		if enc.Chunk && enc.ChunkSourcePath != "" {
			extracts[filepath.Dir(enc.ChunkSourcePath)] = true
		}
		if err := s.publisher.Publish(ctx, events.NewEncodingDeletedEvent(enc)); err != nil {
			// The bus is gone; remove the artifact here instead.
			_ = s.storages.Encoded.Remove(enc.OutputPath)
		}
	}
	for dir := range extracts {
		_ = s.storages.Encoded.RemoveTemp(dir)
	}

	var errs []error
	errs = append(errs, s.storages.Originals.Remove(m.SourcePath))
	errs = append(errs, s.images.Storage().Delete(mediaID))
	if hlsDir, err := s.storages.HLS.Path(mediaID); err == nil {
		errs = append(errs, s.storages.HLS.RemoveDir(hlsDir))
	}

	s.logger.Info("media deleted",
		slog.String("media_id", mediaID),
		slog.Int("encodings", len(encs)))
	return errors.Join(errs...)
}

// TrimVideoPath returns the rendition a trim should cut, or "" while none exists.
func (s *MediaService) TrimVideoPath(ctx context.Context, mediaID string) (string, error) {
	m, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return "", err
	}
	return TrimVideoPath(ctx, s.store, m)
}

// RequestTrim records a trim of the media. It completes once the next
// primary h264 rendition succeeds.
func (s *MediaService) RequestTrim(ctx context.Context, mediaID, timestamps string) (*domain.TrimRequest, error) {
	if _, err := s.store.GetMedia(ctx, mediaID); err != nil {
		return nil, err
	}
	trimID, err := id.Generate(id.PrefixTrim)
	if err != nil {
		return nil, err
	}
	now := s.now()
	req := &domain.TrimRequest{
		ID:         trimID,
		MediaID:    mediaID,
		Status:     domain.TrimRunning,
		Timestamps: timestamps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateTrimRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create trim request: %w", err)
	}
	return req, nil
}
