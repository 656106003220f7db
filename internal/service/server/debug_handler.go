package server

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DebugHandler handles debug endpoint requests
type DebugHandler struct {
	deps   Deps
	logger *zap.Logger
}

// NewDebugHandler creates a new DebugHandler
func NewDebugHandler(deps Deps, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		deps:   deps,
		logger: logger,
	}
}

type diskView struct {
	Total   string  `json:"total"`
	Used    string  `json:"used"`
	Free    string  `json:"free"`
	UsedPct float64 `json:"used_pct"`
}

// HandleStats reports pool state, event counters, record counts and disk usage
func (h *DebugHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Counter.Counts(r.Context())
	if err != nil {
		h.logger.Error("failed to count records", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}

	byStatus := make(map[string]int, len(counts))
	for code, n := range counts {
		byStatus[code.String()] = n
	}

	response := map[string]any{
		"records": byStatus,
	}
	if h.deps.Pool != nil {
		response["pool"] = h.deps.Pool.Stats()
	}
	if h.deps.Metrics != nil {
		metrics := h.deps.Metrics.GetMetrics()
		response["events"] = metrics
		if n, ok := metrics["bytes_transferred"]; ok {
			response["bytes_transferred_human"] = formatSize(n)
		}
	}
	if h.deps.FS != nil {
		if usage, err := h.deps.FS.GetDiskUsage(); err != nil {
			h.logger.Warn("failed to get disk usage", zap.Error(err))
		} else {
			response["disk"] = diskView{
				Total:   humanize.IBytes(usage.Total),
				Used:    humanize.IBytes(usage.Used),
				Free:    humanize.IBytes(usage.Free),
				UsedPct: usage.UsedPct,
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}
