// Package store defines persistence for media, profiles, encodings and chunk
// group claims. The SQLite implementation lives in store/sqlite.
package store

import (
	"context"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// EncodingStore persists encoding jobs. It is the single source of truth for
// job state; every status change is a conditional single-row update.
type EncodingStore interface {
	// CreateEncodings inserts all records in one transaction.
	CreateEncodings(ctx context.Context, encs ...*domain.Encoding) error
	GetEncoding(ctx context.Context, id string) (*domain.Encoding, error)
	ListEncodingsByMedia(ctx context.Context, mediaID string) ([]*domain.Encoding, error)
	ListChunkGroup(ctx context.Context, key domain.ChunkGroupKey) ([]*domain.Encoding, error)
	// ListChunkGroupKeys returns the keys of every group that still has chunk rows.
	ListChunkGroupKeys(ctx context.Context) ([]domain.ChunkGroupKey, error)

	// ClaimNextEncoding atomically moves the highest priority runnable pending
	// job to running for worker. Returns ErrQueueEmpty when there is none.
	ClaimNextEncoding(ctx context.Context, worker string, now time.Time) (*domain.Encoding, error)
	// UpdateEncodingProgress records progress of a running job. Returns ErrConflict if it is not running.
	UpdateEncodingProgress(ctx context.Context, id string, progress int, now time.Time) error
	// FinishEncoding writes a terminal or requeued state, but only if the row
	// is still running. Returns ErrConflict otherwise.
	FinishEncoding(ctx context.Context, enc *domain.Encoding) error

	// ListStaleEncodings returns running jobs not updated since before.
	ListStaleEncodings(ctx context.Context, before time.Time) ([]*domain.Encoding, error)
	// ResetRunningEncodings returns jobs left running by the named process to
	// pending. Used at startup; other processes' jobs are untouched.
	ResetRunningEncodings(ctx context.Context, name string, now time.Time) (int, error)
	CountEncodingsByStatus(ctx context.Context) (map[domain.EncodingStatus]int, error)

	// DeleteEncoding removes one record and returns it.
	DeleteEncoding(ctx context.Context, id string) (*domain.Encoding, error)
	// DeleteChunkGroup removes every chunk row of the group and returns them.
	DeleteChunkGroup(ctx context.Context, key domain.ChunkGroupKey) ([]*domain.Encoding, error)

	// ClaimChunkGroup leases finalization of the group to owner. While another
	// owner holds a claim taken at or after staleBefore, ErrAlreadyExists is
	// returned. Claims by owner itself are renewed.
	ClaimChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string, now, staleBefore time.Time) error
	// ReleaseChunkGroup drops owner's claim so the group can be settled again.
	ReleaseChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string) error
	// FinalizeChunkGroup deletes the group's chunk rows and inserts the final
	// record in one transaction, returning the deleted rows. Returns
	// ErrConflict unless owner holds the claim and chunk rows remain.
	FinalizeChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string, final *domain.Encoding) ([]*domain.Encoding, error)
}

// MediaStore persists the owning media records.
type MediaStore interface {
	CreateMedia(ctx context.Context, m *domain.Media) error
	GetMedia(ctx context.Context, id string) (*domain.Media, error)
	ListMedia(ctx context.Context) ([]*domain.Media, error)
	DeleteMedia(ctx context.Context, id string) error

	// UpdateMediaSource stores probe results and the detected type.
	UpdateMediaSource(ctx context.Context, m *domain.Media) error
	// SetMediaEncodingStatus is written only by the status aggregator and intake short-circuits.
	SetMediaEncodingStatus(ctx context.Context, id string, status domain.EncodingStatus, listable bool, now time.Time) error
	SetMediaState(ctx context.Context, id string, state domain.MediaState, now time.Time) error
	SetMediaPreview(ctx context.Context, id, path string, now time.Time) error
	SetMediaHLS(ctx context.Context, id, path string, now time.Time) error
	SetMediaImages(ctx context.Context, id, thumbnail, blurHash, sprite string, now time.Time) error
	// NextChunkGeneration increments and returns the media's chunk generation.
	NextChunkGeneration(ctx context.Context, id string) (int, error)
}

// ProfileStore persists encode profiles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p *domain.EncodeProfile) error
	GetProfile(ctx context.Context, id string) (*domain.EncodeProfile, error)
	// ListProfiles returns profiles ordered by resolution, optionally only active ones.
	ListProfiles(ctx context.Context, activeOnly bool) ([]*domain.EncodeProfile, error)
}

// TrimStore persists trim requests.
type TrimStore interface {
	CreateTrimRequest(ctx context.Context, r *domain.TrimRequest) error
	// GetRunningTrimRequest returns the oldest running request for the media, or ErrNotFound.
	GetRunningTrimRequest(ctx context.Context, mediaID string) (*domain.TrimRequest, error)
	// SetTrimStatus moves a running request to status. Returns ErrConflict if it is no longer running.
	SetTrimStatus(ctx context.Context, id string, status domain.TrimStatus, now time.Time) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	EncodingStore
	MediaStore
	ProfileStore
	TrimStore
	Close() error
}
