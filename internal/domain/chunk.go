package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkGroupKey identifies one split-and-reassemble operation: all chunk jobs
// of one profile for one media item, produced by one planning round.
// Generation increases every time a media item is chunked again, so reruns
// never share a group with stale rows.
type ChunkGroupKey struct {
	MediaID    string `json:"media_id"`
	ProfileID  string `json:"profile_id"`
	Generation int    `json:"generation"`
}

// String renders the key as media/profile/generation.
func (k ChunkGroupKey) String() string {
	return k.MediaID + "/" + k.ProfileID + "/" + strconv.Itoa(k.Generation)
}

// ParseChunkGroupKey is the inverse of ChunkGroupKey.String.
func ParseChunkGroupKey(s string) (ChunkGroupKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ChunkGroupKey{}, fmt.Errorf("malformed chunk group key %q", s)
	}
	gen, err := strconv.Atoi(parts[2])
	if err != nil || gen < 0 {
		return ChunkGroupKey{}, fmt.Errorf("malformed chunk group generation %q", parts[2])
	}
	return ChunkGroupKey{MediaID: parts[0], ProfileID: parts[1], Generation: gen}, nil
}

// Segment is a [Start, Start+Duration) slice of the source, in seconds.
type Segment struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// End returns the exclusive end offset of the segment.
func (s Segment) End() float64 {
	return s.Start + s.Duration
}

// ChunkGroupComplete reports whether every chunk 0..ChunkCount-1 of a group
// has succeeded with an artifact. Rows must all belong to the same group.
func ChunkGroupComplete(chunks []*Encoding) bool {
	if len(chunks) == 0 {
		return false
	}
	count := chunks[0].ChunkCount
	if count <= 0 {
		return false
	}
	done := make(map[int]bool, count)
	for _, c := range chunks {
		if c.ChunkCount != count || c.ChunkSourcePath == "" {
			return false
		}
		if c.Status == EncodingSuccess && c.OutputPath != "" {
			done[c.ChunkIndex] = true
		}
	}
	for i := 0; i < count; i++ {
		if !done[i] {
			return false
		}
	}
	return true
}
