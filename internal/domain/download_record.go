package domain

import "time"

// DownloadRecord is the durable state of a download, keyed by Tag
type DownloadRecord struct {
	ID        int64  `json:"id"`
	Tag       string `json:"tag"`
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
	Name      string `json:"name"`

	// Transfer counters
	CurrentSize int64   `json:"current_size"`
	TotalSize   int64   `json:"total_size"`
	Progress    float64 `json:"progress"`

	Status       StatusCode `json:"status"`
	ErrorMessage string     `json:"error_msg,omitempty"`

	// Timestamps
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// IsComplete returns true when every byte of a known total has been written
func (r *DownloadRecord) IsComplete() bool {
	return r.TotalSize > 0 && r.CurrentSize == r.TotalSize
}

// Checkpoint holds the counters persisted when a transfer stops early
type Checkpoint struct {
	CurrentSize int64
	TotalSize   int64
}

// Progress returns the rounded percentage for the checkpoint
func (c Checkpoint) Progress() float64 {
	return CalcProgress(c.CurrentSize, c.TotalSize)
}

// RecordsEqual compares two snapshots field by field. Two nil records are equal.
func RecordsEqual(a, b *DownloadRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Tag == b.Tag &&
		a.URL == b.URL &&
		a.LocalPath == b.LocalPath &&
		a.Name == b.Name &&
		a.CurrentSize == b.CurrentSize &&
		a.TotalSize == b.TotalSize &&
		a.Progress == b.Progress &&
		a.Status == b.Status &&
		a.ErrorMessage == b.ErrorMessage &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.LastModifiedAt.Equal(b.LastModifiedAt)
}
