package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/port"
)

// Manager handles local filesystem operations for downloads
type Manager struct {
	rootDir      string
	syncWrites   bool
	minFreeBytes uint64
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// Options tune how destination files are opened
type Options struct {
	// SyncWrites opens files with O_SYNC so each chunk reaches the disk before the next
	SyncWrites bool

	// MinFreeBytes is the free space that must remain after pre-sizing a file
	MinFreeBytes uint64
}

// NewManager creates a new filesystem manager rooted at rootDir
func NewManager(rootDir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download root dir: %w", err)
	}

	return &Manager{
		rootDir:      rootDir,
		syncWrites:   opts.SyncWrites,
		minFreeBytes: opts.MinFreeBytes,
	}, nil
}

// RootDir returns the default download directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// ResolvePath returns saveDir/name, falling back to the root directory
func (m *Manager) ResolvePath(saveDir, name string) string {
	if saveDir == "" {
		saveDir = m.rootDir
	}
	return filepath.Join(saveDir, name)
}

// Exists reports whether a regular file exists at path
func (m *Manager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// EnsureDir ensures the directory for a file path exists
func (m *Manager) EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0755)
}

// OpenAt opens path for writing at offset. A non-negative size pre-sizes the file.
func (m *Manager) OpenAt(path string, size, offset int64) (port.File, error) {
	if err := m.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if m.syncWrites {
		flags |= os.O_SYNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	if size >= 0 {
		if err := m.presize(f, size); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek to %d: %w", offset, err)
	}

	return f, nil
}

// presize grows or shrinks f to size after checking there is room for the growth
func (m *Manager) presize(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if growth := size - info.Size(); growth > 0 {
		if err := m.checkSpace(uint64(growth)); err != nil {
			return err
		}
	}

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to pre-size file to %d: %w", size, err)
	}
	return nil
}

func (m *Manager) checkSpace(need uint64) error {
	usage, err := m.GetDiskUsage()
	if err != nil || usage == nil {
		// statfs unavailable, let the write fail on its own
		return nil
	}
	if usage.Free < need+m.minFreeBytes {
		return fmt.Errorf("%w: need %d bytes, %d free", domain.ErrInsufficientSpace, need+m.minFreeBytes, usage.Free)
	}
	return nil
}
