//go:build windows

package filesystem

import (
	"github.com/vertextoedge/dlengine/internal/port"
)

// GetDiskUsage is not implemented on windows; space checks are skipped
func (m *Manager) GetDiskUsage() (*port.DiskUsage, error) {
	return nil, nil
}
