package server

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/domain"
)

// FileHandler serves the local file of a completed download
type FileHandler struct {
	downloads Downloads
	logger    *zap.Logger
}

// NewFileHandler creates a new FileHandler
func NewFileHandler(downloads Downloads, logger *zap.Logger) *FileHandler {
	return &FileHandler{
		downloads: downloads,
		logger:    logger,
	}
}

// HandleFile handles /files/{tag}. Range requests are honored.
func (h *FileHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	rec, err := h.downloads.GetDownloadData(r.Context(), tag)
	if err != nil {
		h.logger.Error("failed to get download", zap.String("tag", tag), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get download")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	if rec.Status != domain.StatusSuccess {
		writeError(w, http.StatusConflict, fmt.Sprintf("download is %s", rec.Status))
		return
	}

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		h.logger.Error("failed to open downloaded file", zap.String("path", rec.LocalPath), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "file not available")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		h.logger.Error("failed to stat downloaded file", zap.String("path", rec.LocalPath), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "file not available")
		return
	}

	filename := filepath.Base(rec.LocalPath)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	http.ServeContent(w, r, filename, stat.ModTime(), f)
}
