// Package events carries encoding lifecycle notifications between the worker
// pool, the chunk coordinator and the post-encode dispatcher.
package events

import (
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// EventType identifies an event.
type EventType string

const (
	// EventEncodingCompleted is published once per final outcome (success or fail).
	EventEncodingCompleted EventType = "encoding.completed"
	// EventEncodingStarted is published when a worker claims a full-length encoding.
	EventEncodingStarted EventType = "encoding.started"
	// EventEncodingRequeued is published when a full-length encoding goes back to pending.
	EventEncodingRequeued EventType = "encoding.requeued"
	// EventEncodingDeleted is published after an encoding record is removed.
	EventEncodingDeleted EventType = "encoding.deleted"
	// EventEncodingProgress is a lossy progress notification.
	EventEncodingProgress EventType = "encoding.progress"
	// EventMediaStatusChanged is published when the aggregate status is written.
	EventMediaStatusChanged EventType = "media.status_changed"
)

// Event is one notification. Data holds the type-specific payload.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
	MediaID   string    `json:"media_id"`
}

// EncodingEventData is the payload of started, requeued, completed and deleted events.
// Encoding is a snapshot; handlers must not mutate it.
type EncodingEventData struct {
	Encoding *domain.Encoding `json:"encoding"`
}

// EncodingProgressEventData is the payload of progress events.
type EncodingProgressEventData struct {
	EncodingID string `json:"encoding_id"`
	Progress   int    `json:"progress"`
}

// MediaStatusEventData is the payload of media status events.
type MediaStatusEventData struct {
	Status   domain.EncodingStatus `json:"status"`
	Listable bool                  `json:"listable"`
}

func snapshot(enc *domain.Encoding) *domain.Encoding {
	cp := *enc
	if enc.ChunkGroup != nil {
		key := *enc.ChunkGroup
		cp.ChunkGroup = &key
	}
	return &cp
}

// NewEncodingCompletedEvent creates an event for a finished encoding.
func NewEncodingCompletedEvent(enc *domain.Encoding) Event {
	return Event{
		Type:      EventEncodingCompleted,
		MediaID:   enc.MediaID,
		Data:      EncodingEventData{Encoding: snapshot(enc)},
		Timestamp: time.Now(),
	}
}

// NewEncodingStartedEvent creates an event for a claimed encoding.
func NewEncodingStartedEvent(enc *domain.Encoding) Event {
	return Event{
		Type:      EventEncodingStarted,
		MediaID:   enc.MediaID,
		Data:      EncodingEventData{Encoding: snapshot(enc)},
		Timestamp: time.Now(),
	}
}

// NewEncodingRequeuedEvent creates an event for an encoding sent back to the queue.
func NewEncodingRequeuedEvent(enc *domain.Encoding) Event {
	return Event{
		Type:      EventEncodingRequeued,
		MediaID:   enc.MediaID,
		Data:      EncodingEventData{Encoding: snapshot(enc)},
		Timestamp: time.Now(),
	}
}

// NewEncodingDeletedEvent creates an event for a removed encoding.
func NewEncodingDeletedEvent(enc *domain.Encoding) Event {
	return Event{
		Type:      EventEncodingDeleted,
		MediaID:   enc.MediaID,
		Data:      EncodingEventData{Encoding: snapshot(enc)},
		Timestamp: time.Now(),
	}
}

// NewEncodingProgressEvent creates a progress event.
func NewEncodingProgressEvent(enc *domain.Encoding, progress int) Event {
	return Event{
		Type:      EventEncodingProgress,
		MediaID:   enc.MediaID,
		Data:      EncodingProgressEventData{EncodingID: enc.ID, Progress: progress},
		Timestamp: time.Now(),
	}
}

// NewMediaStatusEvent creates a media status event.
func NewMediaStatusEvent(mediaID string, status domain.EncodingStatus, listable bool) Event {
	return Event{
		Type:      EventMediaStatusChanged,
		MediaID:   mediaID,
		Data:      MediaStatusEventData{Status: status, Listable: listable},
		Timestamp: time.Now(),
	}
}

// Encoding returns the encoding carried by started, requeued, completed and deleted events.
func (e Event) Encoding() (*domain.Encoding, bool) {
	data, ok := e.Data.(EncodingEventData)
	if !ok || data.Encoding == nil {
		return nil, false
	}
	return data.Encoding, true
}
