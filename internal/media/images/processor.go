package images

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// Sprite sampling: one frame every spriteMinInterval seconds, stretched so
// that no sheet holds more than spriteMaxFrames tiles.
const (
	spriteMinInterval = 10.0
	spriteMaxFrames   = 100
	thumbnailWidth    = 1280
)

// Result is what Process produced. Empty fields were not generated.
type Result struct {
	ThumbnailPath string
	ThumbnailTime float64
	BlurHash      string
	Sprite        *SpriteSheet
}

// Processor generates the poster and sprite of a video.
type Processor struct {
	storage    *Storage
	transcoder transcoder.Transcoder
	logger     *slog.Logger
	// randomOffset picks a poster time when none is set.
	randomOffset func(duration float64) float64
}

// NewProcessor creates a new Processor instance.
func NewProcessor(storage *Storage, tc transcoder.Transcoder, logger *slog.Logger) *Processor {
	return &Processor{
		storage:      storage,
		transcoder:   tc,
		logger:       logger,
		randomOffset: randomOffset,
	}
}

// Storage exposes the underlying image storage.
func (p *Processor) Storage() *Storage {
	return p.storage
}

// ThumbnailOffset returns the requested poster time when it lies inside the
// video, and a random point otherwise. Offsets are rounded to 0.1s.
func (p *Processor) ThumbnailOffset(m *domain.Media) float64 {
	if m.ThumbnailTime != nil && *m.ThumbnailTime >= 0 && *m.ThumbnailTime < m.Duration {
		return math.Round(*m.ThumbnailTime*10) / 10
	}
	return p.randomOffset(m.Duration)
}

func randomOffset(duration float64) float64 {
	upper := duration - 0.1
	if upper <= 0 {
		return 0
	}
	return math.Round(rand.Float64()*upper*10) / 10
}

// Thumbnail extracts the poster frame and computes its BlurHash. A BlurHash
// failure is logged and leaves the hash empty.
func (p *Processor) Thumbnail(ctx context.Context, m *domain.Media) (*Result, error) {
	offset := p.ThumbnailOffset(m)
	dst := p.storage.Path(m.ID, KindThumbnail)

	if err := p.transcoder.ExtractFrame(ctx, m.SourcePath, dst, offset, thumbnailWidth); err != nil {
		return nil, fmt.Errorf("extract thumbnail: %w", err)
	}

	res := &Result{ThumbnailPath: dst, ThumbnailTime: offset}
	hash, err := ComputeBlurHash(dst)
	if err != nil {
		p.logger.Warn("failed to compute blurhash",
			slog.String("media_id", m.ID),
			slog.Any("error", err))
		return res, nil
	}
	res.BlurHash = hash
	return res, nil
}

// SpriteInterval returns the sampling interval for a video of the given length.
func SpriteInterval(duration float64) float64 {
	return max(spriteMinInterval, math.Ceil(duration/spriteMaxFrames))
}

// Sprite samples frames across the video and composes them into a sheet.
func (p *Processor) Sprite(ctx context.Context, m *domain.Media) (*SpriteSheet, error) {
	scratch, err := p.storage.TempDir(m.ID)
	if err != nil {
		return nil, fmt.Errorf("create sprite scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	interval := SpriteInterval(m.Duration)
	frames, err := p.transcoder.ExtractSpriteFrames(ctx, m.SourcePath, scratch, interval, DefaultTileWidth)
	if err != nil {
		return nil, fmt.Errorf("extract sprite frames: %w", err)
	}
	if len(frames) > spriteMaxFrames {
		frames = frames[:spriteMaxFrames]
	}

	sheet, err := BuildSprite(frames, p.storage.Path(m.ID, KindSprite), DefaultSpriteColumns, DefaultTileWidth)
	if err != nil {
		return nil, err
	}
	sheet.Interval = interval

	p.logger.Debug("built sprite sheet",
		slog.String("media_id", m.ID),
		slog.Int("frames", sheet.Count),
		slog.Float64("interval", interval))
	return sheet, nil
}
