package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/port"
	"github.com/vertextoedge/dlengine/internal/service/registry"
)

// Recorder is the durable side of a transfer
type Recorder interface {
	Progress(tag string, current, total int64) error
	Checkpoint(tag string, cp domain.Checkpoint) error
	Complete(ctx context.Context, tag string, total int64) error
	Fail(ctx context.Context, tag, errMsg string, cp domain.Checkpoint) error
}

// Registry is the part of the task registry a transfer releases on exit.
// Releases are checked against the handle so a stale transfer never drops
// the handle of a newer one.
type Registry interface {
	RemoveIf(tag string, h *registry.Handle) bool
	CancelIf(tag string, h *registry.Handle) bool
}

// Config contains transfer settings
type Config struct {
	// ChunkSize is the number of bytes copied per read
	ChunkSize int

	// ProgressLogInterval limits debug progress logs per transfer
	ProgressLogInterval time.Duration
}

// DefaultConfig returns default transfer configuration
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:           8 * 1024,
		ProgressLogInterval: time.Second,
	}
}

// Job describes one transfer attempt
type Job struct {
	Tag       string
	URL       string
	LocalPath string

	// StartOffset is the first byte to request
	StartOffset int64

	// TotalSize is the last known size, -1 or 0 if unknown. Used for
	// checkpoints written before the response arrives.
	TotalSize int64

	Flow *domain.StatusFlow

	// Handle is the registry entry the transfer runs under
	Handle *registry.Handle
}

// Worker copies a remote resource into a local file from a byte offset
type Worker struct {
	config   *Config
	fetcher  port.RangeFetcher
	fs       port.FileSystem
	recorder Recorder
	registry Registry
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option configures a Worker
type Option func(*Worker)

// WithTracer sets the tracer used for transfer spans
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// NewWorker creates a new Worker
func NewWorker(
	cfg *Config,
	fetcher port.RangeFetcher,
	fs port.FileSystem,
	recorder Recorder,
	reg Registry,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 * 1024
	}
	if cfg.ProgressLogInterval <= 0 {
		cfg.ProgressLogInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker{
		config:   cfg,
		fetcher:  fetcher,
		fs:       fs,
		recorder: recorder,
		registry: reg,
		tracer:   noop.NewTracerProvider().Tracer("dlengine/transfer"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs the transfer and returns its terminal status. Cancellation of
// ctx is a pause: the exact byte count is checkpointed and Pause is returned
// without being published to the flow.
func (w *Worker) Run(ctx context.Context, job Job) domain.Status {
	ctx, span := w.tracer.Start(ctx, "transfer.run", trace.WithAttributes(
		attribute.String("download.tag", job.Tag),
		attribute.String("download.url", job.URL),
		attribute.Int64("download.start_offset", job.StartOffset),
	))
	defer span.End()

	logger := w.logger.With(zap.String("tag", job.Tag))
	begin := time.Now()

	resp, err := w.fetcher.RangedGet(ctx, job.URL, job.StartOffset)
	if err != nil {
		if ctx.Err() != nil {
			return w.pause(job, span, logger, nil)
		}
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.NewTransportError("ranged get", err)
		}
		return w.fail(ctx, job, span, logger, err, domain.Checkpoint{
			CurrentSize: job.StartOffset,
			TotalSize:   job.TotalSize,
		})
	}
	if resp == nil {
		return w.fail(ctx, job, span, logger, domain.NewTransportError("", domain.ErrEmptyBody), domain.Checkpoint{
			CurrentSize: job.StartOffset,
			TotalSize:   job.TotalSize,
		})
	}
	defer resp.Body.Close()

	start := resp.Offset
	total := int64(-1)
	switch {
	case resp.ContentLength < 0:
	case start == 0:
		total = resp.ContentLength
	default:
		total = start + resp.ContentLength
	}
	if start != job.StartOffset {
		logger.Info("restarting transfer from zero",
			zap.Int64("requested_offset", job.StartOffset))
	}
	span.SetAttributes(attribute.Int64("download.total_size", total))

	f, err := w.fs.OpenAt(job.LocalPath, total, start)
	if err != nil {
		return w.fail(ctx, job, span, logger, domain.NewStorageError("open file", err), domain.Checkpoint{
			CurrentSize: start,
			TotalSize:   total,
		})
	}
	closeFile := sync.OnceValue(f.Close)
	defer closeFile()

	written := start
	last := domain.CalcProgress(start, total)
	sampler := rate.Sometimes{First: 1, Interval: w.config.ProgressLogInterval}
	buf := make([]byte, w.config.ChunkSize)

	complete := func() domain.Status {
		job.Flow.Set(domain.Progress{
			Tag:         job.Tag,
			Progress:    100,
			CurrentSize: written,
			TotalSize:   total,
			IsCompleted: true,
		})
		if err := f.Sync(); err != nil {
			return w.fail(ctx, job, span, logger, domain.NewStorageError("sync file", err), domain.Checkpoint{CurrentSize: written, TotalSize: total})
		}
		if err := closeFile(); err != nil {
			return w.fail(ctx, job, span, logger, domain.NewStorageError("close file", err), domain.Checkpoint{CurrentSize: written, TotalSize: total})
		}
		return w.complete(ctx, job, span, logger, total, written-start, time.Since(begin))
	}

	for {
		if ctx.Err() != nil {
			return w.pause(job, span, logger, &domain.Checkpoint{CurrentSize: written, TotalSize: total})
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if total >= 0 && written+int64(n) > total {
				return w.fail(ctx, job, span, logger, domain.NewTransportError("read body", domain.ErrBodyTooLong), domain.Checkpoint{CurrentSize: written, TotalSize: total})
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return w.fail(ctx, job, span, logger, domain.NewStorageError("write file", err), domain.Checkpoint{CurrentSize: written, TotalSize: total})
			}
			written += int64(n)

			if total >= 0 && written == total {
				return complete()
			}
			if progress := domain.CalcProgress(written, total); progress != last {
				last = progress
				job.Flow.Set(domain.Progress{
					Tag:         job.Tag,
					Progress:    progress,
					CurrentSize: written,
					TotalSize:   total,
				})
				if err := w.recorder.Progress(job.Tag, written, total); err != nil {
					logger.Warn("failed to queue progress", zap.Error(err))
				}
				sampler.Do(func() {
					logger.Debug("transfer progress",
						zap.Float64("progress", progress),
						zap.String("written", humanize.IBytes(uint64(written))),
						zap.String("total", humanize.IBytes(uint64(max(total, 0)))))
				})
			}
		}

		if errors.Is(rerr, io.EOF) {
			if total < 0 {
				total = written
			}
			if written == total {
				return complete()
			}
			return w.fail(ctx, job, span, logger, domain.NewTransportError("read body", domain.ErrIncompleteBody), domain.Checkpoint{CurrentSize: written, TotalSize: total})
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return w.pause(job, span, logger, &domain.Checkpoint{CurrentSize: written, TotalSize: total})
			}
			return w.fail(ctx, job, span, logger, domain.NewTransportError("read body", rerr), domain.Checkpoint{CurrentSize: written, TotalSize: total})
		}
	}
}

// complete makes Success durable, publishes it and releases the handle
func (w *Worker) complete(ctx context.Context, job Job, span trace.Span, logger *zap.Logger, total, transferred int64, elapsed time.Duration) domain.Status {
	if err := w.recorder.Complete(context.WithoutCancel(ctx), job.Tag, total); err != nil {
		return w.fail(ctx, job, span, logger, domain.NewStorageError("record completion", err), domain.Checkpoint{CurrentSize: total, TotalSize: total})
	}

	status := domain.Success{Tag: job.Tag, LocalPath: job.LocalPath, TotalSize: total}
	job.Flow.Set(status)
	if job.Handle != nil {
		w.registry.RemoveIf(job.Tag, job.Handle)
	}

	span.SetStatus(codes.Ok, "")
	logger.Info("download completed",
		zap.String("path", job.LocalPath),
		zap.String("size", humanize.IBytes(uint64(total))),
		zap.String("transferred", humanize.IBytes(uint64(transferred))),
		zap.Duration("elapsed", elapsed))
	return status
}

// pause checkpoints the bytes written so far. A nil checkpoint keeps the record as is.
func (w *Worker) pause(job Job, span trace.Span, logger *zap.Logger, cp *domain.Checkpoint) domain.Status {
	if cp != nil {
		if err := w.recorder.Checkpoint(job.Tag, *cp); err != nil {
			logger.Warn("failed to queue checkpoint", zap.Error(err))
		}
		span.SetAttributes(attribute.Int64("download.checkpoint", cp.CurrentSize))
	}
	span.AddEvent("paused")
	logger.Debug("transfer stopped")
	return domain.Pause{Tag: job.Tag}
}

// fail publishes Error, records it and drops the handle so the tag can be retried
func (w *Worker) fail(ctx context.Context, job Job, span trace.Span, logger *zap.Logger, err error, cp domain.Checkpoint) domain.Status {
	msg := err.Error()
	status := domain.Error{Tag: job.Tag, Message: msg}
	job.Flow.Set(status)

	if rerr := w.recorder.Fail(context.WithoutCancel(ctx), job.Tag, msg, cp); rerr != nil {
		logger.Error("failed to record transfer error", zap.Error(rerr))
	}
	if job.Handle != nil {
		w.registry.CancelIf(job.Tag, job.Handle)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	logger.Error("download failed",
		zap.String("kind", domain.KindOf(err).String()),
		zap.Int64("written", cp.CurrentSize),
		zap.Error(err))
	return status
}
