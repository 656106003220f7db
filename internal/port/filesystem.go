package port

import (
	"io"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// File is a destination file positioned for sequential writes
type File interface {
	io.Writer
	io.Closer

	// Sync flushes written data to stable storage
	Sync() error
}

// FileSystem defines the filesystem capability used by transfers
type FileSystem interface {
	// RootDir returns the default download directory
	RootDir() string

	// ResolvePath returns the target path for name inside saveDir,
	// or inside RootDir when saveDir is empty
	ResolvePath(saveDir, name string) string

	// Exists reports whether a regular file exists at path
	Exists(path string) bool

	// OpenAt creates path if missing, pre-sizes it to size when size >= 0
	// and returns it positioned at offset
	OpenAt(path string, size, offset int64) (File, error)

	// GetDiskUsage returns disk usage statistics for RootDir
	GetDiskUsage() (*DiskUsage, error)
}
