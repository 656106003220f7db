package repository

import (
	"time"

	"github.com/vertextoedge/dlengine/internal/domain"
)

// DownloadRecordRepository persists download records keyed by tag.
// Lookups that find nothing return (nil, nil).
type DownloadRecordRepository interface {
	// Upsert inserts the record or overwrites every mutable column of the
	// existing record with the same tag. CreatedAt of an existing row is kept.
	Upsert(rec *domain.DownloadRecord) error

	// GetByTag retrieves the record for a tag
	GetByTag(tag string) (*domain.DownloadRecord, error)

	// List returns all records ordered by insertion
	List() ([]*domain.DownloadRecord, error)

	// DeleteByTag removes the record for a tag
	DeleteByTag(tag string) error

	// UpdateProgress stores running counters. The status moves to Progress
	// only while it is Prepare or Progress, so a concurrent pause or cancel
	// is never overwritten.
	UpdateProgress(tag string, current, total int64, progress float64) error

	// UpdateCheckpoint stores counters without touching the status
	UpdateCheckpoint(tag string, current, total int64, progress float64) error

	// UpdateStatus sets the status and error message
	UpdateStatus(tag string, status domain.StatusCode, errMsg string) error

	// CompleteTransfer records the final counters and Success in one transaction
	CompleteTransfer(tag string, total int64) error

	// FailTransfer records counters, Error status and the message in one statement
	FailTransfer(tag string, errMsg string, current, total int64, progress float64) error

	// ResetInterrupted moves records left in Prepare or Progress to Pause.
	// Used at startup, when no transfer can be running yet.
	ResetInterrupted() (int, error)

	// DeleteFinishedBefore removes Success, Cancel and Error records last
	// modified before cutoff
	DeleteFinishedBefore(cutoff time.Time) (int, error)

	// CountByStatus returns the number of records per status
	CountByStatus() (map[domain.StatusCode]int, error)
}
