package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/store"
)

const trimColumns = `id, media_id, status, timestamps, created_at, updated_at`

func scanTrimRequest(scanner interface{ Scan(dest ...any) error }) (*domain.TrimRequest, error) {
	var (
		r         domain.TrimRequest
		status    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&r.ID, &r.MediaID, &status, &r.Timestamps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = domain.TrimStatus(status)

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateTrimRequest inserts a trim request.
func (s *Store) CreateTrimRequest(ctx context.Context, r *domain.TrimRequest) error {
	if r.Status == "" {
		r.Status = domain.TrimRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trim_requests (id, media_id, status, timestamps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.MediaID,
		string(r.Status),
		r.Timestamps,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// GetRunningTrimRequest returns the oldest running trim request of a media item.
// Returns store.ErrNotFound if there is none.
func (s *Store) GetRunningTrimRequest(ctx context.Context, mediaID string) (*domain.TrimRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+trimColumns+` FROM trim_requests
		WHERE media_id = ? AND status = ?
		ORDER BY created_at LIMIT 1`,
		mediaID, string(domain.TrimRunning))

	r, err := scanTrimRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SetTrimStatus finishes a running trim request.
// Returns store.ErrConflict if the request is not running.
func (s *Store) SetTrimStatus(ctx context.Context, id string, status domain.TrimStatus, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE trim_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), formatTime(now), id, string(domain.TrimRunning))
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrConflict)
}
