package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/port"
	"github.com/vertextoedge/dlengine/internal/service/pool"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Pinger checks the record store
type Pinger interface {
	Ping() error
}

// Downloads reads download records
type Downloads interface {
	GetDownloadData(ctx context.Context, tag string) (*domain.DownloadRecord, error)
	GetAllDownloadData(ctx context.Context) ([]*domain.DownloadRecord, error)
}

// Counter counts records per status
type Counter interface {
	Counts(ctx context.Context) (map[domain.StatusCode]int, error)
}

// PoolStats reports the transfer pool state
type PoolStats interface {
	Stats() pool.Stats
}

// Metrics reports event counters
type Metrics interface {
	GetMetrics() map[string]int64
}

// Deps are the read-only views the server exposes
type Deps struct {
	Store     Pinger
	Downloads Downloads
	Counter   Counter
	Pool      PoolStats
	Metrics   Metrics
	FS        port.FileSystem
}

// Server represents the read-only status server
type Server struct {
	config       *Config
	deps         Deps
	logger       *zap.Logger
	server       *http.Server
	handler      http.Handler
	fileHandler  *FileHandler
	debugHandler *DebugHandler
}

// New creates a new status server
func New(cfg *Config, deps Deps, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	s.fileHandler = NewFileHandler(deps.Downloads, logger)
	s.debugHandler = NewDebugHandler(deps, logger)

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Download records
	mux.HandleFunc("GET /downloads", s.handleList)
	mux.HandleFunc("GET /downloads/{tag}", s.handleGet)

	// Completed files
	mux.HandleFunc("GET /files/{tag}", s.fileHandler.HandleFile)

	// Debug endpoints
	mux.HandleFunc("GET /debug/stats", s.debugHandler.HandleStats)

	s.handler = RequestIDMiddleware(LoggingMiddleware(logger)(mux))
	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping status server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "database connection failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Downloads.GetAllDownloadData(r.Context())
	if err != nil {
		s.logger.Error("failed to list downloads", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(views),
		"downloads": views,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	rec, err := s.deps.Downloads.GetDownloadData(r.Context(), tag)
	if err != nil {
		s.logger.Error("failed to get download", zap.String("tag", tag), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get download")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
