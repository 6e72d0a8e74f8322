package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
)

// imageCodecs are video-stream codecs that indicate a still image.
var imageCodecs = []string{"mjpeg", "png", "bmp", "webp", "tiff", "gif"}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType   string `json:"codec_type"`
	CodecName   string `json:"codec_name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Duration    string `json:"duration"`
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// Probe inspects a source file. A file the tool cannot read is reported as
// an Unsupported error.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath, //nolint:gosec // ffprobePath is resolved at construction
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domainerrors.Wrapf(err, domainerrors.CodeUnsupported, "probe %s", path)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeUnsupported, "decode probe output")
	}
	if len(out.Streams) == 0 {
		return nil, domainerrors.Unsupportedf("no media streams")
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.Duration = parseDuration(out.Format.Duration)

	var video, audio *probeStream
	for i := range out.Streams {
		s := &out.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil && s.Disposition.AttachedPic == 0 {
				video = s
			}
		case "audio":
			if audio == nil {
				audio = s
			}
		}
	}

	if audio != nil {
		res.AudioCodec = audio.CodecName
	}
	if video != nil {
		res.VideoCodec = video.CodecName
		res.Width = video.Width
		res.Height = video.Height
		if res.Duration == 0 {
			res.Duration = parseDuration(video.Duration)
		}
	}

	switch {
	case video != nil && audio == nil && res.Duration == 0 && slices.Contains(imageCodecs, video.CodecName):
		res.MediaType = domain.MediaTypeImage
	case video != nil && (strings.Contains(out.Format.FormatName, "image2") || strings.HasSuffix(out.Format.FormatName, "_pipe")):
		res.MediaType = domain.MediaTypeImage
	case video != nil:
		res.MediaType = domain.MediaTypeVideo
	case audio != nil:
		res.MediaType = domain.MediaTypeAudio
	default:
		res.MediaType = domain.MediaTypeOther
	}

	if res.MediaType == domain.MediaTypeVideo && res.Duration <= 0 {
		return nil, domainerrors.Unsupportedf("video without a duration")
	}
	return res, nil
}

func parseDuration(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Describe renders a probe result for logs.
func (p *ProbeResult) Describe() string {
	return fmt.Sprintf("%s %dx%d %.1fs video=%s audio=%s", p.MediaType, p.Width, p.Height, p.Duration, p.VideoCodec, p.AudioCodec)
}
