// Package planner decides which renditions to produce for a source video and
// whether the work is split into chunks.
//
// Planning is pure: it reads the probed source properties and the candidate
// profiles and returns a Plan. Persisting and dispatching the plan is left to
// the caller.
package planner

import (
	"fmt"
	"math"
	"slices"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// segmentEpsilon absorbs float noise when the duration is a multiple of the segment length.
const segmentEpsilon = 1e-6

// Options are the planning tunables, in seconds.
type Options struct {
	ChunkThreshold     float64
	SegmentLength      float64
	MinimumResolutions []int
}

// Validate rejects option sets that cannot produce a sensible split.
func (o Options) Validate() error {
	if o.ChunkThreshold <= 0 {
		return fmt.Errorf("chunk threshold must be positive, got %gs", o.ChunkThreshold)
	}
	if o.SegmentLength <= 0 {
		return fmt.Errorf("segment length must be positive, got %gs", o.SegmentLength)
	}
	if o.SegmentLength >= o.ChunkThreshold {
		return fmt.Errorf("segment length %gs must be shorter than chunk threshold %gs", o.SegmentLength, o.ChunkThreshold)
	}
	for _, r := range o.MinimumResolutions {
		if r <= 0 {
			return fmt.Errorf("minimum resolution must be positive, got %d", r)
		}
	}
	return nil
}

// Input describes the source and the candidate profiles.
type Input struct {
	Duration       float64
	Height         int // 0 when unknown
	Profiles       []*domain.EncodeProfile
	DoNotTranscode bool
}

// Submission is one profile to encode and the priority of its jobs.
type Submission struct {
	Profile  *domain.EncodeProfile
	Priority int
}

// Plan is the outcome of planning.
type Plan struct {
	// SkipTranscode means no rendition is produced; the original is served as is.
	SkipTranscode bool
	// Direct are full-length jobs submitted as is.
	Direct []Submission
	// Chunked are profiles encoded per segment and reassembled afterwards.
	Chunked []Submission
	// Segments is the split used for every chunked profile.
	Segments []domain.Segment
}

// IsChunked reports whether any profile is split into segments.
func (p *Plan) IsChunked() bool {
	return len(p.Chunked) > 0
}

// Planner applies Options to inputs.
type Planner struct {
	opts Options
}

// New creates a planner after validating its options.
func New(opts Options) (*Planner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Planner{opts: opts}, nil
}

// Options returns the planner's options.
func (p *Planner) Options() Options {
	return p.opts
}

// Plan decides what to encode for in.
func (p *Planner) Plan(in Input) (*Plan, error) {
	if in.DoNotTranscode {
		return &Plan{SkipTranscode: true}, nil
	}
	if in.Duration < 0 || math.IsNaN(in.Duration) {
		return nil, fmt.Errorf("invalid source duration %g", in.Duration)
	}

	var submissions []Submission
	for _, profile := range in.Profiles {
		if profile == nil {
			continue
		}
		if p.exceedsSource(profile, in.Height) {
			continue
		}
		submissions = append(submissions, Submission{
			Profile:  profile,
			Priority: p.priority(profile),
		})
	}

	plan := &Plan{}
	if in.Duration <= p.opts.ChunkThreshold {
		plan.Direct = submissions
		return plan, nil
	}

	for _, sub := range submissions {
		// The animated preview is short and never split.
		if sub.Profile.IsPreview() {
			plan.Direct = append(plan.Direct, sub)
			continue
		}
		plan.Chunked = append(plan.Chunked, sub)
	}
	if len(plan.Chunked) > 0 {
		plan.Segments = Segments(in.Duration, p.opts.SegmentLength)
	}
	return plan, nil
}

// exceedsSource reports whether encoding profile would upscale the source.
// Allow-listed resolutions and unsized profiles always pass, as does an unknown source height.
func (p *Planner) exceedsSource(profile *domain.EncodeProfile, height int) bool {
	res := profile.Height()
	if res == 0 || height <= 0 {
		return false
	}
	if slices.Contains(p.opts.MinimumResolutions, res) {
		return false
	}
	return res > height
}

func (p *Planner) priority(profile *domain.EncodeProfile) int {
	if res := profile.Height(); res > 0 && slices.Contains(p.opts.MinimumResolutions, res) {
		return domain.PriorityHigh
	}
	return domain.PriorityLow
}

// Segments splits [0,duration) into contiguous slices of length seconds.
// The last slice holds the remainder, or a full length on an exact multiple.
func Segments(duration, length float64) []domain.Segment {
	if duration <= 0 || length <= 0 {
		return nil
	}

	n := int(math.Ceil(duration / length))
	if n > 1 && duration-float64(n-1)*length < segmentEpsilon {
		n--
	}

	segments := make([]domain.Segment, 0, n)
	for i := range n {
		start := float64(i) * length
		d := length
		if i == n-1 {
			d = duration - start
		}
		segments = append(segments, domain.Segment{Index: i, Start: start, Duration: d})
	}
	return segments
}
