package event

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// LoggingHandler logs all events
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

// Handle logs the event
func (h *LoggingHandler) Handle(event DomainEvent) error {
	switch e := event.(type) {
	case DownloadPrepared:
		h.logger.Debug("download prepared",
			zap.String("tag", e.Tag),
			zap.String("url", e.URL),
			zap.String("local_path", e.LocalPath),
			zap.Int64("start_offset", e.StartOffset))
	case DownloadSucceeded:
		h.logger.Info("download succeeded",
			zap.String("tag", e.Tag),
			zap.String("local_path", e.LocalPath),
			zap.String("size", humanize.IBytes(uint64(max(e.Size, 0)))),
			zap.Int64("resumed_from", e.ResumedFrom),
			zap.Bool("cached", e.Cached),
			zap.Duration("duration", e.Duration))
	case DownloadPaused:
		h.logger.Info("download paused", zap.String("tag", e.Tag))
	case DownloadCancelled:
		h.logger.Info("download cancelled", zap.String("tag", e.Tag))
	case DownloadFailed:
		h.logger.Warn("download failed",
			zap.String("tag", e.Tag),
			zap.String("kind", e.Kind),
			zap.String("error", e.Error))
	case DownloadRejected:
		h.logger.Error("download rejected",
			zap.String("tag", e.Tag),
			zap.String("reason", e.Reason))
	default:
		h.logger.Debug("domain event",
			zap.String("event", event.EventName()),
			zap.Time("occurred_at", event.OccurredAt()))
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *LoggingHandler) HandledEvents() []string {
	return []string{"*"}
}

// MetricsHandler counts download outcomes
type MetricsHandler struct {
	prepared   atomic.Int64
	succeeded  atomic.Int64
	cached     atomic.Int64
	paused     atomic.Int64
	cancelled  atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
	bytesTotal atomic.Int64
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// Handle updates metrics based on the event
func (h *MetricsHandler) Handle(event DomainEvent) error {
	switch e := event.(type) {
	case DownloadPrepared:
		h.prepared.Add(1)
	case DownloadSucceeded:
		if e.Cached {
			h.cached.Add(1)
			return nil
		}
		h.succeeded.Add(1)
		h.bytesTotal.Add(e.Size - e.ResumedFrom)
	case DownloadPaused:
		h.paused.Add(1)
	case DownloadCancelled:
		h.cancelled.Add(1)
	case DownloadFailed:
		h.failed.Add(1)
	case DownloadRejected:
		h.rejected.Add(1)
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *MetricsHandler) HandledEvents() []string {
	return []string{
		NameDownloadPrepared,
		NameDownloadSucceeded,
		NameDownloadPaused,
		NameDownloadCancelled,
		NameDownloadFailed,
		NameDownloadRejected,
	}
}

// GetMetrics returns current metrics
func (h *MetricsHandler) GetMetrics() map[string]int64 {
	return map[string]int64{
		"downloads_prepared":  h.prepared.Load(),
		"downloads_succeeded": h.succeeded.Load(),
		"downloads_cached":    h.cached.Load(),
		"downloads_paused":    h.paused.Load(),
		"downloads_cancelled": h.cancelled.Load(),
		"downloads_failed":    h.failed.Load(),
		"downloads_rejected":  h.rejected.Load(),
		"bytes_transferred":   h.bytesTotal.Load(),
	}
}
