package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/store"
)

// profileColumns is the ordered list of columns selected in profile queries.
// Must match the scan order in scanProfile.
const profileColumns = `id, name, extension, resolution, codec, description, active, created_at`

func scanProfile(scanner interface{ Scan(dest ...any) error }) (*domain.EncodeProfile, error) {
	var p domain.EncodeProfile

	var (
		resolution sql.NullInt64
		createdAt  string
	)

	err := scanner.Scan(
		&p.ID,
		&p.Name,
		&p.Extension,
		&resolution,
		&p.Codec,
		&p.Description,
		&p.Active,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if resolution.Valid {
		p.Resolution = domain.Resolution(int(resolution.Int64))
	}
	p.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile inserts a profile or replaces an existing one with the same ID.
// Returns store.ErrAlreadyExists if another profile already uses the name.
func (s *Store) UpsertProfile(ctx context.Context, p *domain.EncodeProfile) error {
	var resolution sql.NullInt64
	if p.Resolution != nil {
		resolution = sql.NullInt64{Int64: int64(*p.Resolution), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encode_profiles (id, name, extension, resolution, codec, description, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			extension = excluded.extension,
			resolution = excluded.resolution,
			codec = excluded.codec,
			description = excluded.description,
			active = excluded.active`,
		p.ID,
		p.Name,
		p.Extension,
		resolution,
		p.Codec,
		p.Description,
		p.Active,
		formatTime(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// GetProfile retrieves a profile by ID.
// Returns store.ErrNotFound if it does not exist.
func (s *Store) GetProfile(ctx context.Context, id string) (*domain.EncodeProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM encode_profiles WHERE id = ?`, id)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProfiles returns profiles ordered by resolution, unsized first.
func (s *Store) ListProfiles(ctx context.Context, activeOnly bool) ([]*domain.EncodeProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM encode_profiles`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY COALESCE(resolution, 0), name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.EncodeProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
