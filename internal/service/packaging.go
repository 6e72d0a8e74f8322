package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/tasks"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// masterPlaylist is the entry point written by the transcoder.
const masterPlaylist = "master.m3u8"

// Packager runs the background work that follows a primary rendition:
// HLS packaging and post-trim image refresh. Work is keyed per media, so a
// burst of finished renditions packages once more at most.
type Packager struct {
	store      store.Store
	transcoder transcoder.Transcoder
	hls        *storage.Local
	images     *images.Processor
	runner     *tasks.Runner
	logger     *slog.Logger
	now        func() time.Time
}

// NewPackager creates a packager that schedules on runner.
func NewPackager(
	st store.Store,
	tc transcoder.Transcoder,
	hls *storage.Local,
	imgs *images.Processor,
	runner *tasks.Runner,
	logger *slog.Logger,
) *Packager {
	return &Packager{
		store:      st,
		transcoder: tc,
		hls:        hls,
		images:     imgs,
		runner:     runner,
		logger:     logger,
		now:        time.Now,
	}
}

// EnqueueHLS schedules HLS packaging for the media.
func (p *Packager) EnqueueHLS(mediaID string) error {
	return p.runner.Enqueue("hls:"+mediaID, func(ctx context.Context) error {
		return p.PackageHLS(ctx, mediaID)
	})
}

// EnqueuePostTrim schedules the post-trim refresh for the media.
func (p *Packager) EnqueuePostTrim(mediaID string) error {
	return p.runner.Enqueue("trim:"+mediaID, func(ctx context.Context) error {
		return p.PostTrim(ctx, mediaID)
	})
}

// hlsRenditions returns the successful full-length h264 mp4 renditions,
// lowest first.
func (p *Packager) hlsRenditions(ctx context.Context, media *domain.Media) ([]transcoder.HLSRendition, error) {
	encs, err := p.store.ListEncodingsByMedia(ctx, media.ID)
	if err != nil {
		return nil, fmt.Errorf("load encodings: %w", err)
	}

	var out []transcoder.HLSRendition
	seen := make(map[int]bool)
	for _, enc := range encs {
		if enc.Chunk || enc.Status != domain.EncodingSuccess || enc.OutputPath == "" {
			continue
		}
		profile, err := p.store.GetProfile(ctx, enc.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("load profile %s: %w", enc.ProfileID, err)
		}
		h := profile.Height()
		if profile.Codec != domain.CodecH264 || profile.Extension != domain.ExtensionMP4 || h == 0 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, transcoder.HLSRendition{
			Path:      enc.OutputPath,
			Width:     scaledWidth(media.Width, media.Height, h),
			Height:    h,
			Bandwidth: transcoder.EstimateBandwidth(enc.Size, media.Duration),
		})
	}
	slices.SortFunc(out, func(a, b transcoder.HLSRendition) int { return cmp.Compare(a.Height, b.Height) })
	return out, nil
}

// scaledWidth keeps the source aspect ratio at height h, rounded to even.
func scaledWidth(srcW, srcH, h int) int {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	w := srcW * h / srcH
	return w - w%2
}

// PackageHLS rebuilds the media's HLS package from its current renditions.
func (p *Packager) PackageHLS(ctx context.Context, mediaID string) error {
	media, err := p.store.GetMedia(ctx, mediaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load media: %w", err)
	}

	renditions, err := p.hlsRenditions(ctx, media)
	if err != nil {
		return err
	}
	if len(renditions) == 0 {
		p.logger.Debug("no renditions to package", slog.String("media_id", mediaID))
		return nil
	}

	outDir, err := p.hls.Path(mediaID)
	if err != nil {
		return err
	}
	if err := p.hls.RemoveDir(outDir); err != nil {
		return err
	}

	res, err := p.transcoder.PackageHLS(ctx, renditions, outDir)
	if err != nil {
		return fmt.Errorf("package hls: %s", failureLogs(res, err))
	}

	master := filepath.Join(outDir, masterPlaylist)
	if err := p.store.SetMediaHLS(ctx, mediaID, master, p.now()); err != nil {
		return fmt.Errorf("store hls path: %w", err)
	}

	p.logger.Info("hls package ready",
		slog.String("media_id", mediaID),
		slog.Int("renditions", len(renditions)),
		slog.String("path", master),
	)
	return nil
}

// PostTrim regenerates the poster and sprite from the trimmed rendition, so
// still images match what is played.
func (p *Packager) PostTrim(ctx context.Context, mediaID string) error {
	media, err := p.store.GetMedia(ctx, mediaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load media: %w", err)
	}

	path, err := TrimVideoPath(ctx, p.store, media)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	trimmed := *media
	trimmed.SourcePath = path
	return refreshImages(ctx, p.store, p.images, &trimmed, p.now, p.logger)
}

// refreshImages writes a fresh poster and sprite for m. Sprite failures are
// logged and leave the previous sprite in place.
func refreshImages(
	ctx context.Context,
	st store.MediaStore,
	proc *images.Processor,
	m *domain.Media,
	now func() time.Time,
	logger *slog.Logger,
) error {
	thumb, err := proc.Thumbnail(ctx, m)
	if err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}

	sprite := m.SpritePath
	sheet, err := proc.Sprite(ctx, m)
	if err != nil {
		logger.Warn("failed to build sprite",
			slog.String("media_id", m.ID),
			slog.Any("error", err))
	} else {
		sprite = sheet.Path
	}

	if err := st.SetMediaImages(ctx, m.ID, thumb.ThumbnailPath, thumb.BlurHash, sprite, now()); err != nil {
		return fmt.Errorf("store images: %w", err)
	}
	return nil
}

// TrimVideoPath returns the highest resolution successful mp4 rendition of a
// video, or "" when there is none yet.
func TrimVideoPath(ctx context.Context, st store.Store, media *domain.Media) (string, error) {
	if media.MediaType != domain.MediaTypeVideo {
		return "", nil
	}
	encs, err := st.ListEncodingsByMedia(ctx, media.ID)
	if err != nil {
		return "", fmt.Errorf("load encodings: %w", err)
	}

	best, bestHeight := "", -1
	for _, enc := range encs {
		if enc.Chunk || enc.Status != domain.EncodingSuccess || enc.OutputPath == "" {
			continue
		}
		profile, err := st.GetProfile(ctx, enc.ProfileID)
		if err != nil {
			return "", fmt.Errorf("load profile %s: %w", enc.ProfileID, err)
		}
		if profile.Extension != domain.ExtensionMP4 {
			continue
		}
		if h := profile.Height(); h > bestHeight {
			best, bestHeight = enc.OutputPath, h
		}
	}
	return best, nil
}
