package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/store"
)

// encodingColumns is the ordered list of columns selected in encoding queries.
// Must match the scan order in scanEncoding.
const encodingColumns = `id, media_id, profile_id,
	chunk, chunk_group, chunk_index, chunk_count, chunk_source_path, chunk_duration,
	status, progress, priority, retries, worker,
	size, checksum, total_run_time_ms, logs, commands, output_path,
	not_before, created_at, updated_at, started_at, completed_at`

// scanEncoding scans a sql.Row (or sql.Rows via its Scan method) into a domain.Encoding.
func scanEncoding(scanner interface{ Scan(dest ...any) error }) (*domain.Encoding, error) {
	var e domain.Encoding

	var (
		chunkGroup  sql.NullString
		status      string
		runTimeMS   int64
		notBefore   string
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)

	err := scanner.Scan(
		&e.ID,
		&e.MediaID,
		&e.ProfileID,
		&e.Chunk,
		&chunkGroup,
		&e.ChunkIndex,
		&e.ChunkCount,
		&e.ChunkSourcePath,
		&e.ChunkDuration,
		&status,
		&e.Progress,
		&e.Priority,
		&e.Retries,
		&e.Worker,
		&e.Size,
		&e.Checksum,
		&runTimeMS,
		&e.Logs,
		&e.Commands,
		&e.OutputPath,
		&notBefore,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = domain.EncodingStatus(status)
	e.TotalRunTime = time.Duration(runTimeMS) * time.Millisecond

	if chunkGroup.Valid {
		key, err := domain.ParseChunkGroupKey(chunkGroup.String)
		if err != nil {
			return nil, err
		}
		e.ChunkGroup = &key
	}

	e.NotBefore, err = parseTime(notBefore)
	if err != nil {
		return nil, err
	}
	e.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	e.StartedAt, err = parseNullableTime(startedAt)
	if err != nil {
		return nil, err
	}
	e.CompletedAt, err = parseNullableTime(completedAt)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

func chunkGroupValue(key *domain.ChunkGroupKey) sql.NullString {
	if key == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: key.String(), Valid: true}
}

func collectEncodings(rows *sql.Rows) ([]*domain.Encoding, error) {
	defer rows.Close()

	var encs []*domain.Encoding
	for rows.Next() {
		e, err := scanEncoding(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}

func insertEncoding(ctx context.Context, q execer, e *domain.Encoding) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.NotBefore.IsZero() {
		e.NotBefore = e.CreatedAt
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO encodings (
			id, media_id, profile_id,
			chunk, chunk_group, chunk_index, chunk_count, chunk_source_path, chunk_duration,
			status, progress, priority, retries, worker,
			size, checksum, total_run_time_ms, logs, commands, output_path,
			not_before, created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.MediaID,
		e.ProfileID,
		e.Chunk,
		chunkGroupValue(e.ChunkGroup),
		e.ChunkIndex,
		e.ChunkCount,
		e.ChunkSourcePath,
		e.ChunkDuration,
		string(e.Status),
		e.Progress,
		e.Priority,
		e.Retries,
		e.Worker,
		e.Size,
		e.Checksum,
		e.TotalRunTime.Milliseconds(),
		e.Logs,
		e.Commands,
		e.OutputPath,
		formatTime(e.NotBefore),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
		nullTimeString(e.StartedAt),
		nullTimeString(e.CompletedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// CreateEncodings inserts all records in one transaction.
// Returns store.ErrAlreadyExists if any ID or chunk slot is taken.
func (s *Store) CreateEncodings(ctx context.Context, encs ...*domain.Encoding) error {
	if len(encs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range encs {
		if err := insertEncoding(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEncoding retrieves an encoding by ID.
// Returns store.ErrNotFound if it does not exist.
func (s *Store) GetEncoding(ctx context.Context, id string) (*domain.Encoding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+encodingColumns+` FROM encodings WHERE id = ?`, id)

	e, err := scanEncoding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEncodingsByMedia returns all encodings of a media item, oldest first.
func (s *Store) ListEncodingsByMedia(ctx context.Context, mediaID string) ([]*domain.Encoding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+encodingColumns+` FROM encodings WHERE media_id = ? ORDER BY created_at, id`, mediaID)
	if err != nil {
		return nil, err
	}
	return collectEncodings(rows)
}

// ListChunkGroup returns the chunk rows of a group ordered by index.
func (s *Store) ListChunkGroup(ctx context.Context, key domain.ChunkGroupKey) ([]*domain.Encoding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+encodingColumns+` FROM encodings WHERE chunk_group = ? ORDER BY chunk_index`, key.String())
	if err != nil {
		return nil, err
	}
	return collectEncodings(rows)
}

// ListChunkGroupKeys returns the distinct keys of unfinalized chunk groups.
func (s *Store) ListChunkGroupKeys(ctx context.Context) ([]domain.ChunkGroupKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT chunk_group FROM encodings WHERE chunk_group IS NOT NULL ORDER BY chunk_group`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.ChunkGroupKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := domain.ParseChunkGroupKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ClaimNextEncoding moves the best runnable pending job to running in a
// single statement. The outer status check keeps the update conditional
// even if the subquery and the write were ever to interleave.
func (s *Store) ClaimNextEncoding(ctx context.Context, worker string, now time.Time) (*domain.Encoding, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE encodings SET
			status = ?,
			worker = ?,
			progress = 0,
			started_at = ?,
			updated_at = ?
		WHERE id = (
			SELECT id FROM encodings
			WHERE status = ? AND not_before <= ?
			ORDER BY priority DESC, created_at, id
			LIMIT 1
		) AND status = ?
		RETURNING `+encodingColumns,
		string(domain.EncodingRunning),
		worker,
		ts,
		ts,
		string(domain.EncodingPending),
		ts,
		string(domain.EncodingPending),
	)

	e, err := scanEncoding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateEncodingProgress records progress for a running job.
// Returns store.ErrConflict if the job is not running.
func (s *Store) UpdateEncodingProgress(ctx context.Context, id string, progress int, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE encodings SET progress = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.ClampProgress(progress),
		formatTime(now),
		id,
		string(domain.EncodingRunning),
	)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrConflict)
}

// FinishEncoding writes the outcome of a run. The row must still be running;
// a row that was deleted or requeued by the stale sweep yields store.ErrConflict.
func (s *Store) FinishEncoding(ctx context.Context, e *domain.Encoding) error {
	if e.Status == domain.EncodingRunning {
		return fmt.Errorf("finish encoding %s: %w", e.ID, domain.ErrInvalidTransition)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE encodings SET
			status = ?,
			progress = ?,
			retries = ?,
			worker = ?,
			size = ?,
			checksum = ?,
			total_run_time_ms = ?,
			logs = ?,
			commands = ?,
			output_path = ?,
			not_before = ?,
			updated_at = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ? AND status = ?`,
		string(e.Status),
		e.Progress,
		e.Retries,
		e.Worker,
		e.Size,
		e.Checksum,
		e.TotalRunTime.Milliseconds(),
		e.Logs,
		e.Commands,
		e.OutputPath,
		formatTime(e.NotBefore),
		formatTime(e.UpdatedAt),
		nullTimeString(e.StartedAt),
		nullTimeString(e.CompletedAt),
		e.ID,
		string(domain.EncodingRunning),
	)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrConflict)
}

// ListStaleEncodings returns running jobs whose last update is older than before.
func (s *Store) ListStaleEncodings(ctx context.Context, before time.Time) ([]*domain.Encoding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+encodingColumns+` FROM encodings WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		string(domain.EncodingRunning), formatTime(before))
	if err != nil {
		return nil, err
	}
	return collectEncodings(rows)
}

// ResetRunningEncodings returns running jobs claimed by the named process
// (worker "<name>/...") to pending. Jobs of other processes are left alone.
func (s *Store) ResetRunningEncodings(ctx context.Context, name string, now time.Time) (int, error) {
	ts := formatTime(now)
	result, err := s.db.ExecContext(ctx, `
		UPDATE encodings SET
			status = ?,
			progress = 0,
			worker = '',
			started_at = NULL,
			not_before = ?,
			updated_at = ?
		WHERE status = ? AND worker LIKE ? ESCAPE '!'`,
		string(domain.EncodingPending),
		ts,
		ts,
		string(domain.EncodingRunning),
		likePrefix(name+"/"),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// CountEncodingsByStatus returns the number of encodings in each status.
func (s *Store) CountEncodingsByStatus(ctx context.Context) (map[domain.EncodingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM encodings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EncodingStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.EncodingStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteEncoding removes one encoding and returns the deleted row.
// Returns store.ErrNotFound if it does not exist.
func (s *Store) DeleteEncoding(ctx context.Context, id string) (*domain.Encoding, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM encodings WHERE id = ? RETURNING `+encodingColumns, id)

	e, err := scanEncoding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteChunkGroup removes all chunk rows of a group and returns them.
func (s *Store) DeleteChunkGroup(ctx context.Context, key domain.ChunkGroupKey) ([]*domain.Encoding, error) {
	return deleteChunkGroup(ctx, s.db, key)
}

func deleteChunkGroup(ctx context.Context, q execer, key domain.ChunkGroupKey) ([]*domain.Encoding, error) {
	rows, err := q.QueryContext(ctx,
		`DELETE FROM encodings WHERE chunk_group = ? RETURNING `+encodingColumns, key.String())
	if err != nil {
		return nil, err
	}
	return collectEncodings(rows)
}

// ClaimChunkGroup leases finalization of the group to owner. A claim held by
// owner itself or taken before staleBefore is taken over. Returns
// store.ErrAlreadyExists while another owner holds a live claim.
func (s *Store) ClaimChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string, now, staleBefore time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chunk_group_claims (group_key, media_id, owner, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (group_key) DO UPDATE SET
			owner = excluded.owner,
			claimed_at = excluded.claimed_at
		WHERE chunk_group_claims.owner = excluded.owner
			OR chunk_group_claims.claimed_at < ?`,
		key.String(),
		key.MediaID,
		owner,
		formatTime(now),
		formatTime(staleBefore),
	)
	if err != nil {
		return err
	}
	return expectOne(result, store.ErrAlreadyExists)
}

// ReleaseChunkGroup drops owner's claim on the group. Claims held by others
// are left in place.
func (s *Store) ReleaseChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_group_claims WHERE group_key = ? AND owner = ?`, key.String(), owner)
	return err
}

// FinalizeChunkGroup removes the group's chunk rows and inserts the
// reassembled record atomically. owner must hold the claim and the group must
// still have chunk rows; otherwise nothing changes and store.ErrConflict is
// returned.
func (s *Store) FinalizeChunkGroup(ctx context.Context, key domain.ChunkGroupKey, owner string, final *domain.Encoding) ([]*domain.Encoding, error) {
	if final.Chunk {
		return nil, fmt.Errorf("finalize chunk group %s: final record is a chunk", key)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT owner FROM chunk_group_claims WHERE group_key = ?`, key.String()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if holder != owner {
		return nil, store.ErrConflict
	}

	deleted, err := deleteChunkGroup(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		// Finalized or torn down by someone else.
		return nil, store.ErrConflict
	}

	if err := insertEncoding(ctx, tx, final); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}
