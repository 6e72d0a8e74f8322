// Package transcoder wraps the external media tool (ffmpeg/ffprobe) behind a
// small interface so the engine can be tested with a fake.
package transcoder

import (
	"context"
	"fmt"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// ProgressFunc receives encode progress in percent. It is called from the
// goroutine reading the tool's output and must not block for long.
type ProgressFunc func(percent int)

// EncodeRequest describes one rendition encode.
type EncodeRequest struct {
	Source  string
	Output  string
	Profile *domain.EncodeProfile
	// Duration of the input in seconds, used to turn timestamps into percent.
	Duration float64
}

// Result carries what the tool printed and the command that was run. It is
// returned alongside errors so failed jobs keep their logs.
type Result struct {
	Command string
	Output  string
}

// ProbeResult holds the source properties the engine needs.
type ProbeResult struct {
	FormatName string
	Duration   float64
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	MediaType  domain.MediaType
}

// HLSRendition is one input to PackageHLS.
type HLSRendition struct {
	Path      string
	Width     int
	Height    int
	Bandwidth int64
}

// Transcoder is the adapter the engine drives.
type Transcoder interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) (*Result, error)
	// ExtractFrame writes a single JPEG frame taken at offset seconds.
	ExtractFrame(ctx context.Context, src, dst string, offset float64, width int) error
	// SplitSegments cuts src into dir in a single pass without re-encoding and
	// returns one part per segment, in order. Cuts land on the first keyframe
	// at or after each segment start, so parts never overlap and together
	// cover the whole source.
	SplitSegments(ctx context.Context, src, dir string, segments []domain.Segment) ([]string, *Result, error)
	// Concatenate joins parts in order into dst without re-encoding.
	Concatenate(ctx context.Context, parts []string, dst string) (*Result, error)
	// PackageHLS segments renditions into outDir and writes master.m3u8.
	PackageHLS(ctx context.Context, renditions []HLSRendition, outDir string) (*Result, error)
	// ExtractSpriteFrames writes one frame every interval seconds into outDir
	// and returns their paths in order.
	ExtractSpriteFrames(ctx context.Context, src, outDir string, interval float64, width int) ([]string, error)
}

// ExecError is returned when the external tool exits unsuccessfully.
type ExecError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
