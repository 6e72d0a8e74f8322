package domain

import (
	"errors"
	"fmt"
	"time"
)

// EncodingStatus is the lifecycle state of an encoding job, and of a media
// item's aggregate encoding state.
type EncodingStatus string

const (
	EncodingPending EncodingStatus = "pending"
	EncodingRunning EncodingStatus = "running"
	EncodingSuccess EncodingStatus = "success"
	EncodingFail    EncodingStatus = "fail"
)

// Job priorities. Higher runs first.
const (
	PriorityLow  = 0
	PriorityHigh = 9
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid encoding status transition")

// IsFinal reports whether no further transition is possible.
func (s EncodingStatus) IsFinal() bool {
	return s == EncodingSuccess || s == EncodingFail
}

// CanTransition reports whether an encoding may move from one status to another.
// running -> pending is reserved for retries and crash recovery.
func CanTransition(from, to EncodingStatus) bool {
	switch from {
	case EncodingPending:
		return to == EncodingRunning
	case EncodingRunning:
		return to == EncodingSuccess || to == EncodingFail || to == EncodingPending
	default:
		return false
	}
}

// Encoding is one rendition job: a full-length encode, or one chunk of a
// split-and-reassemble operation.
type Encoding struct {
	ID        string `json:"id"`
	MediaID   string `json:"media_id"`
	ProfileID string `json:"profile_id"`

	// Chunk fields. ChunkGroup is set exactly when Chunk is true.
	Chunk           bool           `json:"chunk"`
	ChunkGroup      *ChunkGroupKey `json:"chunk_group,omitempty"`
	ChunkIndex      int            `json:"chunk_index"`
	ChunkCount      int            `json:"chunk_count"`
	ChunkSourcePath string         `json:"chunk_source_path,omitempty"`
	// ChunkDuration is the planned length of the chunk in seconds.
	ChunkDuration float64 `json:"chunk_duration,omitempty"`

	Status       EncodingStatus `json:"status"`
	Progress     int            `json:"progress"`
	Priority     int            `json:"priority"`
	Retries      int            `json:"retries"`
	Worker       string         `json:"worker,omitempty"`
	Size         int64          `json:"size"`
	Checksum     string         `json:"checksum,omitempty"`
	TotalRunTime time.Duration  `json:"total_run_time"`
	Logs         string         `json:"logs,omitempty"`
	Commands     string         `json:"commands,omitempty"`
	OutputPath   string         `json:"output_path,omitempty"`

	NotBefore   time.Time  `json:"not_before"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the structural invariants of an encoding record.
func (e *Encoding) Validate() error {
	if e.MediaID == "" || e.ProfileID == "" {
		return fmt.Errorf("encoding %s: media and profile are required", e.ID)
	}
	if e.Chunk != (e.ChunkGroup != nil) {
		return fmt.Errorf("encoding %s: chunk flag and chunk group disagree", e.ID)
	}
	if e.Chunk {
		if e.ChunkCount <= 0 || e.ChunkIndex < 0 || e.ChunkIndex >= e.ChunkCount {
			return fmt.Errorf("encoding %s: chunk index %d out of range [0,%d)", e.ID, e.ChunkIndex, e.ChunkCount)
		}
		if e.ChunkSourcePath == "" {
			return fmt.Errorf("encoding %s: chunk source is required", e.ID)
		}
	}
	if e.Status == EncodingSuccess && e.OutputPath == "" {
		return fmt.Errorf("encoding %s: success without output", e.ID)
	}
	return nil
}

func (e *Encoding) transition(to EncodingStatus) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// MarkRunning transitions the job to running on the given worker.
func (e *Encoding) MarkRunning(worker string, now time.Time) error {
	if err := e.transition(EncodingRunning); err != nil {
		return err
	}
	e.Worker = worker
	e.Progress = 0
	e.StartedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkSucceeded records the produced artifact.
func (e *Encoding) MarkSucceeded(outputPath string, size int64, checksum string, now time.Time) error {
	if outputPath == "" {
		return fmt.Errorf("encoding %s: empty output path", e.ID)
	}
	if err := e.transition(EncodingSuccess); err != nil {
		return err
	}
	e.OutputPath = outputPath
	e.Size = size
	e.Checksum = checksum
	e.Progress = 100
	e.finish(now)
	return nil
}

// MarkFailed records a terminal failure.
func (e *Encoding) MarkFailed(logs string, now time.Time) error {
	if err := e.transition(EncodingFail); err != nil {
		return err
	}
	e.Logs = logs
	e.finish(now)
	return nil
}

// Requeue returns a running job to the queue for another attempt.
func (e *Encoding) Requeue(logs string, notBefore, now time.Time) error {
	if err := e.transition(EncodingPending); err != nil {
		return err
	}
	e.Retries++
	e.Logs = logs
	e.Progress = 0
	e.Worker = ""
	e.StartedAt = nil
	e.NotBefore = notBefore
	e.UpdatedAt = now
	return nil
}

func (e *Encoding) finish(now time.Time) {
	e.CompletedAt = &now
	e.UpdatedAt = now
	if e.StartedAt != nil {
		e.TotalRunTime = now.Sub(*e.StartedAt)
	}
}

// SetProgress updates the job's progress percentage.
func (e *Encoding) SetProgress(percent int) {
	e.Progress = ClampProgress(percent)
}

// ClampProgress bounds a percentage to [0,100].
func ClampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
