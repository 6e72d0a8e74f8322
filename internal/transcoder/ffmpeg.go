package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// progressInterval is the minimum gap between progress callbacks.
const progressInterval = 2 * time.Second

// defaultSplitExt is the part container for sources without an extension.
const defaultSplitExt = ".mkv"

var _ Transcoder = (*FFmpeg)(nil)

// FFmpeg implements Transcoder by running the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpeg locates the binaries. Empty paths are looked up on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) (*FFmpeg, error) {
	var err error
	if ffmpegPath == "" {
		ffmpegPath, err = exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
		}
	}
	if ffprobePath == "" {
		ffprobePath, err = exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe binary not found: %w", err)
		}
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}, nil
}

// run executes ffmpeg with args. The returned Result is never nil.
func (f *FFmpeg) run(ctx context.Context, args []string, reporter *progressReporter) (*Result, error) {
	res := &Result{Command: "ffmpeg " + strings.Join(args, " ")}

	f.logger.Debug("executing ffmpeg", slog.Any("args", args))

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...) //nolint:gosec // ffmpegPath is resolved at construction
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start ffmpeg: %w", err)
	}

	var log tailBuffer
	consumeOutput(stderr, &log, reporter)

	err = cmd.Wait()
	res.Output = log.String()
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &ExecError{Command: res.Command, Output: res.Output, Err: err}
	}
	return res, nil
}

// Encode produces one rendition.
func (f *FFmpeg) Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) (*Result, error) {
	args, err := encodeArgs(req)
	if err != nil {
		return &Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return &Result{}, fmt.Errorf("create output dir: %w", err)
	}

	res, err := f.run(ctx, args, newProgressReporter(progress, req.Duration, progressInterval))
	if err != nil {
		return res, err
	}
	if _, err := os.Stat(req.Output); err != nil {
		return res, fmt.Errorf("output not created: %w", err)
	}
	return res, nil
}

// ExtractFrame writes a single frame at offset seconds.
func (f *FFmpeg) ExtractFrame(ctx context.Context, src, dst string, offset float64, width int) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	_, err := f.run(ctx, frameArgs(src, dst, offset, width), nil)
	return err
}

// SplitSegments writes 0000.ext, 0001.ext, ... into dir, keeping the source container.
func (f *FFmpeg) SplitSegments(ctx context.Context, src, dir string, segments []domain.Segment) ([]string, *Result, error) {
	if len(segments) == 0 {
		return nil, &Result{}, fmt.Errorf("split %s: no segments", src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Result{}, fmt.Errorf("create output dir: %w", err)
	}

	ext := filepath.Ext(src)
	if ext == "" {
		ext = defaultSplitExt
	}
	res, err := f.run(ctx, splitArgs(src, filepath.Join(dir, "%04d"+ext), segments), nil)
	if err != nil {
		return nil, res, err
	}

	parts, err := filepath.Glob(filepath.Join(dir, "[0-9][0-9][0-9][0-9]"+ext))
	if err != nil {
		return nil, res, err
	}
	slices.Sort(parts)
	// Sources with sparse keyframes yield fewer parts than planned.
	if len(parts) != len(segments) {
		return nil, res, fmt.Errorf("split %s: got %d parts, want %d", filepath.Base(src), len(parts), len(segments))
	}
	return parts, res, nil
}

// Concatenate joins parts with the concat demuxer.
func (f *FFmpeg) Concatenate(ctx context.Context, parts []string, dst string) (*Result, error) {
	if len(parts) == 0 {
		return &Result{}, fmt.Errorf("concatenate %s: no parts", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &Result{}, fmt.Errorf("create output dir: %w", err)
	}

	list, err := os.CreateTemp(filepath.Dir(dst), "concat-*.txt")
	if err != nil {
		return &Result{}, fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(concatList(parts)); err != nil {
		list.Close()
		return &Result{}, fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return &Result{}, fmt.Errorf("close concat list: %w", err)
	}

	return f.run(ctx, concatArgs(list.Name(), dst), nil)
}

// concatList renders the concat demuxer input for parts.
func concatList(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// ExtractSpriteFrames writes frame_0001.jpg, frame_0002.jpg, ... into outDir.
func (f *FFmpeg) ExtractSpriteFrames(ctx context.Context, src, outDir string, interval float64, width int) ([]string, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sprite interval must be positive")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sprite dir: %w", err)
	}

	pattern := filepath.Join(outDir, "frame_%04d.jpg")
	if _, err := f.run(ctx, spriteArgs(src, pattern, interval, width), nil); err != nil {
		return nil, err
	}

	frames, err := filepath.Glob(filepath.Join(outDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	slices.Sort(frames)
	return frames, nil
}

// PackageHLS segments each rendition into its own directory and writes the
// master playlist that references them.
func (f *FFmpeg) PackageHLS(ctx context.Context, renditions []HLSRendition, outDir string) (*Result, error) {
	if len(renditions) == 0 {
		return &Result{}, fmt.Errorf("package hls: no renditions")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return &Result{}, fmt.Errorf("create hls dir: %w", err)
	}

	var (
		commands []string
		output   strings.Builder
	)
	for _, r := range renditions {
		dir := filepath.Join(outDir, variantName(r))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Result{}, fmt.Errorf("create variant dir: %w", err)
		}
		res, err := f.run(ctx, hlsArgs(r.Path, filepath.Join(dir, "seg_%04d.ts"), filepath.Join(dir, "playlist.m3u8")), nil)
		commands = append(commands, res.Command)
		output.WriteString(res.Output)
		if err != nil {
			return &Result{Command: strings.Join(commands, "\n"), Output: output.String()}, err
		}
	}

	master, err := os.Create(filepath.Join(outDir, "master.m3u8"))
	if err != nil {
		return &Result{}, fmt.Errorf("create master playlist: %w", err)
	}
	defer master.Close()

	if err := WriteMasterPlaylist(master, renditions); err != nil {
		return &Result{}, fmt.Errorf("write master playlist: %w", err)
	}
	return &Result{Command: strings.Join(commands, "\n"), Output: output.String()}, nil
}
