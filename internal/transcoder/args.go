package transcoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// Preview GIF settings.
const (
	previewSeconds = 10
	previewWidth   = 320
	previewFPS     = 10
)

// hlsSegmentSeconds is the target HLS segment length.
const hlsSegmentSeconds = 6

// encodeArgs builds the ffmpeg arguments for one rendition.
func encodeArgs(req EncodeRequest) ([]string, error) {
	p := req.Profile
	if p == nil {
		return nil, fmt.Errorf("encode %s: no profile", req.Source)
	}

	if p.IsPreview() {
		filter := fmt.Sprintf(
			"fps=%d,scale=%d:-1:flags=lanczos,split[a][b];[a]palettegen[p];[b][p]paletteuse",
			previewFPS, previewWidth)
		return []string{
			"-y", "-hide_banner",
			"-t", strconv.Itoa(previewSeconds),
			"-i", req.Source,
			"-filter_complex", filter,
			"-loop", "0",
			req.Output,
		}, nil
	}

	args := []string{
		"-y", "-hide_banner",
		"-i", req.Source,
		"-map", "0:v:0",
		"-map", "0:a:0?",
	}
	if h := p.Height(); h > 0 {
		// -2 keeps the width even, which yuv420p requires.
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", h))
	}

	switch p.Codec {
	case domain.CodecH264:
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-profile:v", "high",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "128k",
		)
	case domain.CodecH265:
		args = append(args,
			"-c:v", "libx265",
			"-preset", "medium",
			"-crf", "28",
			"-tag:v", "hvc1",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "128k",
		)
	case domain.CodecVP9:
		args = append(args,
			"-c:v", "libvpx-vp9",
			"-b:v", "0",
			"-crf", "32",
			"-row-mt", "1",
			"-pix_fmt", "yuv420p",
			"-c:a", "libopus", "-b:a", "96k",
		)
	default:
		return nil, fmt.Errorf("encode %s: unsupported codec %q", req.Source, p.Codec)
	}

	if p.Extension == domain.ExtensionMP4 {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, req.Output), nil
}

// splitArgs cuts src with the segment muxer. Each part restarts its
// timestamps at zero so it can be encoded on its own.
func splitArgs(src, pattern string, segments []domain.Segment) []string {
	args := []string{
		"-y", "-hide_banner",
		"-i", src,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c", "copy",
		"-f", "segment",
		"-segment_start_number", "0",
		"-reset_timestamps", "1",
	}

	if len(segments) > 1 {
		cuts := make([]string, 0, len(segments)-1)
		for _, seg := range segments[1:] {
			cuts = append(cuts, formatSeconds(seg.Start))
		}
		args = append(args, "-segment_times", strings.Join(cuts, ","))
	} else {
		// The muxer defaults to 2s parts; one part must hold everything.
		var total float64
		for _, seg := range segments {
			total = max(total, seg.End())
		}
		args = append(args, "-segment_time", formatSeconds(total+1))
	}
	return append(args, pattern)
}

func concatArgs(listPath, dst string) []string {
	return []string{
		"-y", "-hide_banner",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
}

func frameArgs(src, dst string, offset float64, width int) []string {
	return []string{
		"-y", "-hide_banner",
		"-ss", formatSeconds(offset),
		"-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		"-q:v", "3",
		dst,
	}
}

func spriteArgs(src, pattern string, interval float64, width int) []string {
	return []string{
		"-y", "-hide_banner",
		"-i", src,
		"-vf", fmt.Sprintf("fps=1/%s,scale=%d:-2", formatSeconds(interval), width),
		"-q:v", "5",
		pattern,
	}
}

func hlsArgs(src, segmentPattern, playlist string) []string {
	return []string{
		"-y", "-hide_banner",
		"-i", src,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		playlist,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
