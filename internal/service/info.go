package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// RenditionInfo describes one rendition of a media item as seen by players
// and the owner.
type RenditionInfo struct {
	EncodingID string                `json:"encoding_id,omitempty"`
	Profile    string                `json:"profile"`
	Status     domain.EncodingStatus `json:"status"`
	Progress   int                   `json:"progress"`
	Size       int64                 `json:"size,omitempty"`
	Path       string                `json:"path,omitempty"`
	// Chunks is the number of chunk jobs still standing in for the rendition.
	Chunks int `json:"chunks,omitempty"`
}

// EncodingsInfo groups renditions by resolution, then codec.
type EncodingsInfo struct {
	Renditions map[string]map[string]RenditionInfo `json:"renditions"`
	Preview    string                              `json:"preview,omitempty"`
	// Original is offered while renditions are still being produced.
	Original string `json:"original,omitempty"`
}

// resolutionKey names a profile's row in EncodingsInfo.
func resolutionKey(p *domain.EncodeProfile) string {
	if h := p.Height(); h > 0 {
		return strconv.Itoa(h)
	}
	return "source"
}

// EncodingsInfo reports the renditions of a media item. A chunked profile
// appears as a single running rendition whose progress is the mean of its
// chunks until the group is reassembled.
func (s *MediaService) EncodingsInfo(ctx context.Context, mediaID string) (*EncodingsInfo, error) {
	m, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	encs, err := s.store.ListEncodingsByMedia(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("load encodings: %w", err)
	}

	info := &EncodingsInfo{
		Renditions: make(map[string]map[string]RenditionInfo),
		Preview:    m.PreviewPath,
	}
	if m.EncodingStatus == domain.EncodingPending || m.EncodingStatus == domain.EncodingRunning {
		info.Original = m.SourcePath
	}

	type chunkSum struct {
		profile  *domain.EncodeProfile
		progress int
		count    int
	}
	chunked := make(map[string]*chunkSum)
	profiles := make(map[string]*domain.EncodeProfile)

	for _, enc := range encs {
		p, ok := profiles[enc.ProfileID]
		if !ok {
			if p, err = s.store.GetProfile(ctx, enc.ProfileID); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", enc.ProfileID, err)
			}
			profiles[enc.ProfileID] = p
		}
		if p.IsPreview() {
			continue
		}

		if enc.Chunk {
			sum := chunked[p.ID]
			if sum == nil {
				sum = &chunkSum{profile: p}
				chunked[p.ID] = sum
			}
			sum.progress += enc.Progress
			sum.count++
			continue
		}

		info.add(p, RenditionInfo{
			EncodingID: enc.ID,
			Profile:    p.Name,
			Status:     enc.Status,
			Progress:   enc.Progress,
			Size:       enc.Size,
			Path:       enc.OutputPath,
		})
	}

	for _, sum := range chunked {
		key, codec := resolutionKey(sum.profile), sum.profile.Codec
		if _, ok := info.Renditions[key][codec]; ok {
			continue
		}
		info.add(sum.profile, RenditionInfo{
			Profile:  sum.profile.Name,
			Status:   domain.EncodingRunning,
			Progress: sum.progress / sum.count,
			Chunks:   sum.count,
		})
	}
	return info, nil
}

func (i *EncodingsInfo) add(p *domain.EncodeProfile, r RenditionInfo) {
	key := resolutionKey(p)
	row := i.Renditions[key]
	if row == nil {
		row = make(map[string]RenditionInfo)
		i.Renditions[key] = row
	}
	// A newer successful rendition wins over a failed leftover.
	if cur, ok := row[p.Codec]; ok && cur.Status == domain.EncodingSuccess && r.Status != domain.EncodingSuccess {
		return
	}
	row[p.Codec] = r
}
