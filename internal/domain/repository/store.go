package repository

// Store combines the repository interfaces with connection management
type Store interface {
	DownloadRecordRepository

	// Close closes the database connection
	Close() error

	// Ping checks database connectivity
	Ping() error
}
