package images

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// Sprite sheet defaults.
const (
	DefaultSpriteColumns = 10
	DefaultTileWidth     = 160
	spriteQuality        = 80
)

// SpriteSheet describes a composed sprite image. Tiles are laid out row by
// row; tile i covers [i*Interval, (i+1)*Interval) of the video.
type SpriteSheet struct {
	Path       string  `json:"path"`
	Columns    int     `json:"columns"`
	Rows       int     `json:"rows"`
	TileWidth  int     `json:"tile_width"`
	TileHeight int     `json:"tile_height"`
	Count      int     `json:"count"`
	Interval   float64 `json:"interval"`
}

// BuildSprite composes frames into a single JPEG grid at dst. The tile
// height follows the aspect ratio of the first frame.
func BuildSprite(frames []string, dst string, columns, tileWidth int) (*SpriteSheet, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("build sprite: no frames")
	}
	if columns <= 0 || tileWidth <= 0 {
		return nil, fmt.Errorf("build sprite: invalid grid %dx%d", columns, tileWidth)
	}

	first, err := decodeFile(frames[0])
	if err != nil {
		return nil, err
	}
	fb := first.Bounds()
	tileHeight := max(fb.Dy()*tileWidth/max(fb.Dx(), 1), 1)

	cols := min(columns, len(frames))
	rows := (len(frames) + cols - 1) / cols
	sheet := image.NewRGBA(image.Rect(0, 0, cols*tileWidth, rows*tileHeight))

	for i, path := range frames {
		img := first
		if i > 0 {
			if img, err = decodeFile(path); err != nil {
				return nil, err
			}
		}
		x := (i % cols) * tileWidth
		y := (i / cols) * tileHeight
		tile := image.Rect(x, y, x+tileWidth, y+tileHeight)
		draw.CatmullRom.Scale(sheet, tile, img, img.Bounds(), draw.Src, nil)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create sprite dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create sprite: %w", err)
	}
	if err := jpeg.Encode(out, sheet, &jpeg.Options{Quality: spriteQuality}); err != nil {
		out.Close()
		return nil, fmt.Errorf("encode sprite: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close sprite: %w", err)
	}

	return &SpriteSheet{
		Path:       dst,
		Columns:    cols,
		Rows:       rows,
		TileWidth:  tileWidth,
		TileHeight: tileHeight,
		Count:      len(frames),
	}, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
