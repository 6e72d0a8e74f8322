package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/store"
)

// mediaColumns is the ordered list of columns selected in media queries.
// Must match the scan order in scanMedia.
const mediaColumns = `id, token, title, source_path, media_type, state,
	duration, height, width, encoding_status, listable,
	preview_path, thumbnail_path, thumbnail_time, thumbnail_blurhash,
	sprite_path, hls_path, chunk_generation, created_at, updated_at`

func scanMedia(scanner interface{ Scan(dest ...any) error }) (*domain.Media, error) {
	var m domain.Media

	var (
		mediaType     string
		state         string
		status        string
		thumbnailTime sql.NullFloat64
		createdAt     string
		updatedAt     string
	)

	err := scanner.Scan(
		&m.ID,
		&m.Token,
		&m.Title,
		&m.SourcePath,
		&mediaType,
		&state,
		&m.Duration,
		&m.Height,
		&m.Width,
		&status,
		&m.Listable,
		&m.PreviewPath,
		&m.ThumbnailPath,
		&thumbnailTime,
		&m.ThumbnailBlurHash,
		&m.SpritePath,
		&m.HLSPath,
		&m.ChunkGeneration,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.MediaType = domain.MediaType(mediaType)
	m.State = domain.MediaState(state)
	m.EncodingStatus = domain.EncodingStatus(status)
	if thumbnailTime.Valid {
		v := thumbnailTime.Float64
		m.ThumbnailTime = &v
	}

	m.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// CreateMedia inserts a new media item.
// Returns store.ErrAlreadyExists on duplicate ID or token.
func (s *Store) CreateMedia(ctx context.Context, m *domain.Media) error {
	if m.EncodingStatus == "" {
		m.EncodingStatus = domain.EncodingPending
	}
	if m.State == "" {
		m.State = domain.StatePublic
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (
			id, token, title, source_path, media_type, state,
			duration, height, width, encoding_status, listable,
			preview_path, thumbnail_path, thumbnail_time, thumbnail_blurhash,
			sprite_path, hls_path, chunk_generation, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Token,
		m.Title,
		m.SourcePath,
		string(m.MediaType),
		string(m.State),
		m.Duration,
		m.Height,
		m.Width,
		string(m.EncodingStatus),
		m.Listable,
		m.PreviewPath,
		m.ThumbnailPath,
		nullFloat(m.ThumbnailTime),
		m.ThumbnailBlurHash,
		m.SpritePath,
		m.HLSPath,
		m.ChunkGeneration,
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// GetMedia retrieves a media item by ID.
// Returns store.ErrNotFound if it does not exist.
func (s *Store) GetMedia(ctx context.Context, id string) (*domain.Media, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)

	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMedia returns all media items, newest first.
func (s *Store) ListMedia(ctx context.Context) ([]*domain.Media, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// DeleteMedia removes a media item. Encodings, claims and trim requests
// cascade with it.
func (s *Store) DeleteMedia(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// UpdateMediaSource stores probe results and the detected media type.
func (s *Store) UpdateMediaSource(ctx context.Context, m *domain.Media) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE media SET
			title = ?,
			source_path = ?,
			media_type = ?,
			duration = ?,
			height = ?,
			width = ?,
			thumbnail_time = ?,
			updated_at = ?
		WHERE id = ?`,
		m.Title,
		m.SourcePath,
		string(m.MediaType),
		m.Duration,
		m.Height,
		m.Width,
		nullFloat(m.ThumbnailTime),
		formatTime(m.UpdatedAt),
		m.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// SetMediaEncodingStatus writes the aggregate encoding status and listability.
func (s *Store) SetMediaEncodingStatus(ctx context.Context, id string, status domain.EncodingStatus, listable bool, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE media SET encoding_status = ?, listable = ?, updated_at = ? WHERE id = ?`,
		string(status), listable, formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// SetMediaState changes the visibility of a media item.
func (s *Store) SetMediaState(ctx context.Context, id string, state domain.MediaState, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE media SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// SetMediaPreview records the animated preview artifact.
func (s *Store) SetMediaPreview(ctx context.Context, id, path string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE media SET preview_path = ?, updated_at = ? WHERE id = ?`,
		path, formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// SetMediaHLS records the HLS package directory.
func (s *Store) SetMediaHLS(ctx context.Context, id, path string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE media SET hls_path = ?, updated_at = ? WHERE id = ?`,
		path, formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// SetMediaImages records the poster, its blurhash and the scrubbing sprite.
func (s *Store) SetMediaImages(ctx context.Context, id, thumbnail, blurHash, sprite string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE media SET
			thumbnail_path = ?,
			thumbnail_blurhash = ?,
			sprite_path = ?,
			updated_at = ?
		WHERE id = ?`,
		thumbnail, blurHash, sprite, formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrNotFound)
}

// NextChunkGeneration increments and returns the chunk generation of a media item.
func (s *Store) NextChunkGeneration(ctx context.Context, id string) (int, error) {
	var gen int
	err := s.db.QueryRowContext(ctx,
		`UPDATE media SET chunk_generation = chunk_generation + 1 WHERE id = ? RETURNING chunk_generation`,
		id).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return gen, err
}
