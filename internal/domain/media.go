package domain

import "time"

// MediaType is the detected kind of an uploaded file.
type MediaType string

const (
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
	MediaTypeImage MediaType = "image"
	MediaTypeOther MediaType = ""
)

// MediaState controls who may see a media item.
type MediaState string

const (
	StatePublic   MediaState = "public"
	StateUnlisted MediaState = "unlisted"
	StatePrivate  MediaState = "private"
)

// Media is the owning record of a set of encodings. Only the fields the
// encoding engine reads or writes are modelled.
type Media struct {
	ID         string     `json:"id"`
	Token      string     `json:"token"`
	Title      string     `json:"title"`
	SourcePath string     `json:"source_path"`
	MediaType  MediaType  `json:"media_type"`
	State      MediaState `json:"state"`

	// Probed source properties. Height 0 means unknown.
	Duration float64 `json:"duration"`
	Height   int     `json:"height"`
	Width    int     `json:"width"`

	// EncodingStatus is owned by the status aggregator.
	EncodingStatus EncodingStatus `json:"encoding_status"`
	Listable       bool           `json:"listable"`

	PreviewPath       string   `json:"preview_path,omitempty"`
	ThumbnailPath     string   `json:"thumbnail_path,omitempty"`
	ThumbnailTime     *float64 `json:"thumbnail_time,omitempty"`
	ThumbnailBlurHash string   `json:"thumbnail_blurhash,omitempty"`
	SpritePath        string   `json:"sprite_path,omitempty"`
	HLSPath           string   `json:"hls_path,omitempty"`

	// ChunkGeneration is the last generation handed out to a chunk group.
	ChunkGeneration int `json:"chunk_generation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeListable reports whether a media item may appear in public listings.
// While encoding is still in flight the original upload can stand in for the
// renditions when playOriginal is set.
func ComputeListable(state MediaState, status EncodingStatus, playOriginal bool) bool {
	if state != StatePublic {
		return false
	}
	switch status {
	case EncodingSuccess:
		return true
	case EncodingPending, EncodingRunning:
		return playOriginal
	default:
		return false
	}
}
