package images

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// frameTranscoder writes synthetic JPEG frames instead of running ffmpeg.
type frameTranscoder struct {
	transcoder.Transcoder // unused methods panic

	frameOffsets []float64
	spriteFrames int
	width        int
	height       int
}

func (f *frameTranscoder) ExtractFrame(_ context.Context, _, dst string, offset float64, _ int) error {
	f.frameOffsets = append(f.frameOffsets, offset)
	return writeJPEG(dst, f.width, f.height, color.RGBA{R: 200, G: 40, B: 40, A: 255})
}

func (f *frameTranscoder) ExtractSpriteFrames(_ context.Context, _, outDir string, _ float64, width int) ([]string, error) {
	var frames []string
	for i := 1; i <= f.spriteFrames; i++ {
		path := filepath.Join(outDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := writeJPEG(path, width, width*f.height/f.width, color.RGBA{G: uint8(i * 10), A: 255}); err != nil {
			return nil, err
		}
		frames = append(frames, path)
	}
	return frames, nil
}

func writeJPEG(path string, w, h int, c color.Color) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, nil)
}

func setupTestProcessor(t *testing.T, tc transcoder.Transcoder) *Processor {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	return NewProcessor(storage, tc, slog.New(slog.DiscardHandler))
}

func TestProcessor_ThumbnailOffset(t *testing.T) {
	p := setupTestProcessor(t, &frameTranscoder{})
	p.randomOffset = func(float64) float64 { return 42 }

	at := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		time *float64
		want float64
	}{
		{"requested time is used", at(12.34), 12.3},
		{"unset picks random", nil, 42},
		{"beyond duration picks random", at(500), 42},
		{"negative picks random", at(-1), 42},
		{"zero is valid", at(0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &domain.Media{Duration: 100, ThumbnailTime: tt.time}
			assert.InDelta(t, tt.want, p.ThumbnailOffset(m), 0.0001)
		})
	}
}

func TestRandomOffset_WithinBounds(t *testing.T) {
	for range 100 {
		v := randomOffset(5)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 4.9)
	}
	assert.Zero(t, randomOffset(0.05))
}

func TestProcessor_Thumbnail(t *testing.T) {
	tc := &frameTranscoder{width: 320, height: 180}
	p := setupTestProcessor(t, tc)

	thumb := 3.0
	m := &domain.Media{ID: "med-1", SourcePath: "/src.mp4", Duration: 60, ThumbnailTime: &thumb}
	res, err := p.Thumbnail(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, []float64{3}, tc.frameOffsets)
	assert.Equal(t, p.storage.Path("med-1", KindThumbnail), res.ThumbnailPath)
	assert.True(t, p.storage.Exists("med-1", KindThumbnail))
	assert.NotEmpty(t, res.BlurHash)
}

func TestProcessor_Sprite(t *testing.T) {
	tc := &frameTranscoder{width: 320, height: 180, spriteFrames: 23}
	p := setupTestProcessor(t, tc)

	m := &domain.Media{ID: "med-1", SourcePath: "/src.mp4", Duration: 230}
	sheet, err := p.Sprite(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, 23, sheet.Count)
	assert.Equal(t, DefaultSpriteColumns, sheet.Columns)
	assert.Equal(t, 3, sheet.Rows)
	assert.Equal(t, DefaultTileWidth, sheet.TileWidth)
	assert.Equal(t, 90, sheet.TileHeight)
	assert.InDelta(t, 10, sheet.Interval, 0.0001)

	f, err := os.Open(sheet.Path)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 10*DefaultTileWidth, cfg.Width)
	assert.Equal(t, 3*90, cfg.Height)

	// Scratch frames are cleaned up.
	entries, err := os.ReadDir(p.storage.basePath)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSpriteInterval(t *testing.T) {
	assert.InDelta(t, 10, SpriteInterval(60), 0.0001)
	assert.InDelta(t, 10, SpriteInterval(1000), 0.0001)
	assert.InDelta(t, 36, SpriteInterval(3600), 0.0001)
}

func TestBuildSprite_Errors(t *testing.T) {
	_, err := BuildSprite(nil, filepath.Join(t.TempDir(), "s.jpg"), 10, 160)
	assert.Error(t, err)

	_, err = BuildSprite([]string{"/does/not/exist.jpg"}, filepath.Join(t.TempDir(), "s.jpg"), 10, 160)
	assert.Error(t, err)
}

func TestComputeBlurHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.jpg")
	require.NoError(t, writeJPEG(path, 640, 360, color.RGBA{B: 255, A: 255}))

	hash, err := ComputeBlurHash(path)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	_, err = ComputeBlurHash(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}

func TestFitWithin(t *testing.T) {
	w, h := fitWithin(1920, 1080, 64)
	assert.Equal(t, 64, w)
	assert.Equal(t, 36, h)

	w, h = fitWithin(100, 4000, 64)
	assert.Equal(t, 1, w)
	assert.Equal(t, 64, h)
}
