package domain

import "time"

// TrimStatus is the state of a user trim request.
type TrimStatus string

const (
	TrimRunning TrimStatus = "running"
	TrimSuccess TrimStatus = "success"
	TrimFail    TrimStatus = "fail"
)

// TrimRequest asks for a media item to be cut once its primary rendition exists.
// Timestamps is the free-form cut list supplied by the uploader.
type TrimRequest struct {
	ID         string     `json:"id"`
	MediaID    string     `json:"media_id"`
	Status     TrimStatus `json:"status"`
	Timestamps string     `json:"timestamps"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
