package domain

import (
	"cmp"
	"slices"
	"time"
)

// Output containers.
const (
	ExtensionMP4  = "mp4"
	ExtensionWebM = "webm"
	ExtensionGIF  = "gif"
)

// Video codecs.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecVP9  = "vp9"
)

// EncodeProfile describes one target rendition.
// A nil Resolution means "source size", used by the animated preview.
type EncodeProfile struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required,max=90"`
	Extension   string    `json:"extension" validate:"required,oneof=mp4 webm gif"`
	Resolution  *int      `json:"resolution,omitempty" validate:"omitempty,gt=0,lte=4320"`
	Codec       string    `json:"codec,omitempty" validate:"omitempty,oneof=h264 h265 vp9"`
	Description string    `json:"description,omitempty" validate:"max=512"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsPreview reports whether this profile produces the animated preview.
func (p *EncodeProfile) IsPreview() bool {
	return p.Extension == ExtensionGIF
}

// Height returns the target height, or 0 when the profile keeps the source size.
func (p *EncodeProfile) Height() int {
	if p.Resolution == nil {
		return 0
	}
	return *p.Resolution
}

// SortProfiles orders profiles by resolution ascending, unsized profiles first.
func SortProfiles(profiles []*EncodeProfile) {
	slices.SortStableFunc(profiles, func(a, b *EncodeProfile) int {
		if c := cmp.Compare(a.Height(), b.Height()); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Resolution is a helper for building profile literals.
func Resolution(h int) *int {
	return &h
}

// DefaultProfiles returns the rendition ladder seeded on first start.
// IDs are stable so reseeding is idempotent.
func DefaultProfiles() []*EncodeProfile {
	return []*EncodeProfile{
		{ID: "prf-preview", Name: "preview", Extension: ExtensionGIF, Active: true},
		{ID: "prf-h264-144", Name: "h264-144", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(144), Active: true},
		{ID: "prf-h264-240", Name: "h264-240", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(240), Active: true},
		{ID: "prf-h264-360", Name: "h264-360", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(360), Active: true},
		{ID: "prf-h264-480", Name: "h264-480", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(480), Active: true},
		{ID: "prf-h264-720", Name: "h264-720", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(720), Active: true},
		{ID: "prf-h264-1080", Name: "h264-1080", Extension: ExtensionMP4, Codec: CodecH264, Resolution: Resolution(1080), Active: true},
		{ID: "prf-vp9-240", Name: "vp9-240", Extension: ExtensionWebM, Codec: CodecVP9, Resolution: Resolution(240), Active: false},
		{ID: "prf-vp9-480", Name: "vp9-480", Extension: ExtensionWebM, Codec: CodecVP9, Resolution: Resolution(480), Active: false},
		{ID: "prf-vp9-720", Name: "vp9-720", Extension: ExtensionWebM, Codec: CodecVP9, Resolution: Resolution(720), Active: false},
		{ID: "prf-vp9-1080", Name: "vp9-1080", Extension: ExtensionWebM, Codec: CodecVP9, Resolution: Resolution(1080), Active: false},
		{ID: "prf-h265-1080", Name: "h265-1080", Extension: ExtensionMP4, Codec: CodecH265, Resolution: Resolution(1080), Active: false},
	}
}
