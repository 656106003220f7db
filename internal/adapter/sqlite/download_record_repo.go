package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vertextoedge/dlengine/internal/domain"
)

const recordColumns = `id, tag, url, local_path, name, current_size, total_size,
	progress, status, error_msg, created_at, last_modified_at`

// Upsert inserts or updates the record for rec.Tag and fills rec.ID and rec.CreatedAt
func (s *Store) Upsert(rec *domain.DownloadRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastModifiedAt = now

	query := `
		INSERT INTO downloads (
			tag, url, local_path, name, current_size, total_size,
			progress, status, error_msg, created_at, last_modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			url = excluded.url,
			local_path = excluded.local_path,
			name = excluded.name,
			current_size = excluded.current_size,
			total_size = excluded.total_size,
			progress = excluded.progress,
			status = excluded.status,
			error_msg = excluded.error_msg,
			last_modified_at = excluded.last_modified_at
	`

	_, err := s.db.Exec(query,
		rec.Tag, rec.URL, rec.LocalPath, rec.Name, rec.CurrentSize, rec.TotalSize,
		rec.Progress, int(rec.Status), nullString(rec.ErrorMessage),
		rec.CreatedAt.UnixMilli(), rec.LastModifiedAt.UnixMilli())
	if err != nil {
		return err
	}

	var createdAt int64
	err = s.db.QueryRow(`SELECT id, created_at FROM downloads WHERE tag = ?`, rec.Tag).
		Scan(&rec.ID, &createdAt)
	if err != nil {
		return err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return nil
}

// GetByTag retrieves the record for a tag, nil if none
func (s *Store) GetByTag(tag string) (*domain.DownloadRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM downloads WHERE tag = ?`
	return scanRecord(s.db.QueryRow(query, tag))
}

// List returns all records in insertion order
func (s *Store) List() ([]*domain.DownloadRecord, error) {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM downloads ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteByTag removes the record for a tag
func (s *Store) DeleteByTag(tag string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE tag = ?`, tag)
	return err
}

// UpdateProgress stores running counters and moves Prepare to Progress
func (s *Store) UpdateProgress(tag string, current, total int64, progress float64) error {
	query := `
		UPDATE downloads
		SET current_size = ?,
			total_size = ?,
			progress = ?,
			status = CASE WHEN status IN (?, ?) THEN ? ELSE status END,
			last_modified_at = ?
		WHERE tag = ?
	`

	_, err := s.db.Exec(query, current, total, progress,
		int(domain.StatusPrepare), int(domain.StatusProgress), int(domain.StatusProgress),
		time.Now().UnixMilli(), tag)
	return err
}

// UpdateCheckpoint stores counters and leaves the status alone
func (s *Store) UpdateCheckpoint(tag string, current, total int64, progress float64) error {
	query := `
		UPDATE downloads
		SET current_size = ?, total_size = ?, progress = ?, last_modified_at = ?
		WHERE tag = ?
	`

	_, err := s.db.Exec(query, current, total, progress, time.Now().UnixMilli(), tag)
	return err
}

// UpdateStatus sets status and error message
func (s *Store) UpdateStatus(tag string, status domain.StatusCode, errMsg string) error {
	query := `
		UPDATE downloads
		SET status = ?, error_msg = ?, last_modified_at = ?
		WHERE tag = ?
	`

	_, err := s.db.Exec(query, int(status), nullString(errMsg), time.Now().UnixMilli(), tag)
	return err
}

// CompleteTransfer writes the final counters, then Success, in one transaction
func (s *Store) CompleteTransfer(tag string, total int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	progressQuery := `
		UPDATE downloads
		SET current_size = ?, total_size = ?, progress = 100, last_modified_at = ?
		WHERE tag = ?
	`
	if _, err := tx.Exec(progressQuery, total, total, now, tag); err != nil {
		return fmt.Errorf("record final progress: %w", err)
	}

	successQuery := `
		UPDATE downloads
		SET status = ?, error_msg = NULL, last_modified_at = ?
		WHERE tag = ?
	`
	if _, err := tx.Exec(successQuery, int(domain.StatusSuccess), now, tag); err != nil {
		return fmt.Errorf("record success: %w", err)
	}

	return tx.Commit()
}

// FailTransfer records counters, Error status and message
func (s *Store) FailTransfer(tag string, errMsg string, current, total int64, progress float64) error {
	query := `
		UPDATE downloads
		SET current_size = ?,
			total_size = ?,
			progress = ?,
			status = ?,
			error_msg = ?,
			last_modified_at = ?
		WHERE tag = ?
	`

	_, err := s.db.Exec(query, current, total, progress, int(domain.StatusError),
		nullString(errMsg), time.Now().UnixMilli(), tag)
	return err
}

// ResetInterrupted moves records stuck in Prepare or Progress to Pause
func (s *Store) ResetInterrupted() (int, error) {
	query := `
		UPDATE downloads
		SET status = ?, last_modified_at = ?
		WHERE status IN (?, ?)
	`

	result, err := s.db.Exec(query, int(domain.StatusPause), time.Now().UnixMilli(),
		int(domain.StatusPrepare), int(domain.StatusProgress))
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	return int(affected), err
}

// DeleteFinishedBefore removes finished records older than cutoff
func (s *Store) DeleteFinishedBefore(cutoff time.Time) (int, error) {
	query := `
		DELETE FROM downloads
		WHERE status IN (?, ?, ?) AND last_modified_at < ?
	`

	result, err := s.db.Exec(query,
		int(domain.StatusSuccess), int(domain.StatusCancel), int(domain.StatusError),
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	return int(affected), err
}

// CountByStatus returns the number of records per status
func (s *Store) CountByStatus() (map[domain.StatusCode]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM downloads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.StatusCode]int)
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		code, err := domain.ParseStatusCode(status)
		if err != nil {
			return nil, err
		}
		counts[code] = count
	}

	return counts, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single record row, nil if there is none
func scanRecord(row *sql.Row) (*domain.DownloadRecord, error) {
	rec, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// scanRecords scans multiple record rows
func scanRecords(rows *sql.Rows) ([]*domain.DownloadRecord, error) {
	var records []*domain.DownloadRecord

	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanInto(row rowScanner) (*domain.DownloadRecord, error) {
	rec := &domain.DownloadRecord{}
	var status int
	var errMsg sql.NullString
	var createdAt, modifiedAt int64

	err := row.Scan(
		&rec.ID, &rec.Tag, &rec.URL, &rec.LocalPath, &rec.Name,
		&rec.CurrentSize, &rec.TotalSize, &rec.Progress, &status, &errMsg,
		&createdAt, &modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status, err = domain.ParseStatusCode(status)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastModifiedAt = time.UnixMilli(modifiedAt)

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
