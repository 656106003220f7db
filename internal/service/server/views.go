package server

import (
	"github.com/dustin/go-humanize"

	"github.com/vertextoedge/dlengine/internal/domain"
)

// recordView is a download record with human readable fields added
type recordView struct {
	*domain.DownloadRecord
	StatusName       string `json:"status_name"`
	CurrentSizeHuman string `json:"current_size_human"`
	TotalSizeHuman   string `json:"total_size_human"`
}

func newRecordView(rec *domain.DownloadRecord) recordView {
	return recordView{
		DownloadRecord:   rec,
		StatusName:       rec.Status.String(),
		CurrentSizeHuman: formatSize(rec.CurrentSize),
		TotalSizeHuman:   formatSize(rec.TotalSize),
	}
}

// formatSize renders n bytes, or "unknown" for a negative size
func formatSize(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}
