package manager

import (
	"context"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/domain/event"
	"github.com/vertextoedge/dlengine/internal/port"
	"github.com/vertextoedge/dlengine/internal/service/pool"
	"github.com/vertextoedge/dlengine/internal/service/registry"
	"github.com/vertextoedge/dlengine/internal/service/transfer"
)

// Recorder is the durable record access used by the manager
type Recorder interface {
	Prepare(rec *domain.DownloadRecord) error
	Pause(tag string) error
	Cancel(tag string) error
	Fail(ctx context.Context, tag, errMsg string, cp domain.Checkpoint) error
	Get(ctx context.Context, tag string) (*domain.DownloadRecord, error)
	List(ctx context.Context) ([]*domain.DownloadRecord, error)
	Watch(ctx context.Context, tag string) <-chan *domain.DownloadRecord
}

// Submitter schedules transfers
type Submitter interface {
	Submit(t pool.Task) error
}

// Runner performs one transfer
type Runner interface {
	Run(ctx context.Context, job transfer.Job) domain.Status
}

// Config contains manager configuration
type Config struct {
	// StaleWaitTimeout bounds how long a new download waits for the
	// previous transfer of the same tag to release the file
	StaleWaitTimeout time.Duration
}

// DefaultConfig returns default manager configuration
func DefaultConfig() *Config {
	return &Config{StaleWaitTimeout: 5 * time.Second}
}

// Deps are the collaborators of a Manager
type Deps struct {
	Registry *registry.Registry
	Recorder Recorder
	Pool     Submitter
	Worker   Runner
	FS       port.FileSystem
	Events   event.EventDispatcher
	Tracer   trace.Tracer
}

// Manager admits, pauses, resumes and cancels downloads.
// Control operations only flip cancellation tokens and queue work,
// they never wait for a transfer to finish.
type Manager struct {
	config   *Config
	registry *registry.Registry
	recorder Recorder
	pool     Submitter
	worker   Runner
	fs       port.FileSystem
	events   event.EventDispatcher
	tracer   trace.Tracer
	logger   *zap.Logger

	base     context.Context
	shutdown context.CancelFunc
	locks    *tagLocks

	execMu sync.Mutex
	execs  map[string]*registry.Execution
}

// New creates a new Manager
func New(cfg *Config, deps Deps, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StaleWaitTimeout <= 0 {
		cfg.StaleWaitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = event.NullDispatcher{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("dlengine/manager")
	}

	base, shutdown := context.WithCancel(context.Background())
	return &Manager{
		config:   cfg,
		registry: deps.Registry,
		recorder: deps.Recorder,
		pool:     deps.Pool,
		worker:   deps.Worker,
		fs:       deps.FS,
		events:   deps.Events,
		tracer:   deps.Tracer,
		logger:   logger,
		base:     base,
		shutdown: shutdown,
		locks:    newTagLocks(),
		execs:    make(map[string]*registry.Execution),
	}
}

// Download admits a download of url into saveName and schedules its transfer.
// A tag that is already transferring is left alone. A complete file is
// reported as Success without network access unless WithReDownload is set.
func (m *Manager) Download(ctx context.Context, tag, url, saveName string, opts ...Option) {
	req := newRequest(opts)

	ctx, span := m.tracer.Start(ctx, "manager.download", trace.WithAttributes(
		attribute.String("download.tag", tag),
		attribute.String("download.url", url),
	))
	defer span.End()

	unlock := m.locks.lock(tag)
	defer unlock()

	if h, ok := m.registry.Get(tag); ok {
		if h.Active() {
			m.logger.Debug("download already active", zap.String("tag", tag))
			span.AddEvent("duplicate")
			return
		}
		m.registry.RemoveIf(tag, h)
	}
	if prev := m.execution(tag); prev != nil && !m.awaitRelease(tag, prev) {
		m.reject(tag, req.flow, span, domain.NewAdmissionError(domain.ErrTransferRunning))
		return
	}

	if err := validateRequest(downloadRequest{Tag: tag, URL: url, SaveName: saveName}); err != nil {
		m.reject(tag, req.flow, span, domain.NewAdmissionError(err))
		return
	}
	saveName = strings.TrimSpace(saveName)
	localPath := m.fs.ResolvePath(req.savePath, saveName)

	rec, err := m.recorder.Get(ctx, tag)
	if err != nil {
		m.reject(tag, req.flow, span, domain.NewStorageError("read record", err))
		return
	}

	var current, total int64
	sameFile := rec != nil && rec.LocalPath == localPath
	if sameFile {
		current, total = rec.CurrentSize, rec.TotalSize
	}
	switch {
	case !m.fs.Exists(localPath):
		current = 0
	case sameFile && current == total && (total > 0 || rec.Status == domain.StatusSuccess):
		if !req.reDownload {
			m.logger.Info("file already downloaded",
				zap.String("tag", tag),
				zap.String("path", localPath))
			req.flow.Set(domain.Success{Tag: tag, LocalPath: localPath, TotalSize: total})
			m.events.Dispatch(event.NewDownloadSucceeded(tag, localPath, total, total, true, 0))
			span.AddEvent("cached")
			return
		}
		current = 0
	}

	req.flow.Set(domain.Prepare{Tag: tag})

	handle := &registry.Handle{Tag: tag, URL: url, Name: saveName, LocalPath: localPath}
	m.registry.Add(handle)
	exec := registry.NewExecution(trace.ContextWithSpanContext(m.base, span.SpanContext()))
	m.registry.Bind(tag, exec)
	m.trackExecution(tag, exec)

	if err := m.recorder.Prepare(&domain.DownloadRecord{
		Tag:         tag,
		URL:         url,
		LocalPath:   localPath,
		Name:        saveName,
		CurrentSize: current,
		TotalSize:   total,
	}); err != nil {
		m.abort(handle, exec, req.flow, span, domain.NewStorageError("record prepare", err), current, total)
		return
	}
	m.events.Dispatch(event.NewDownloadPrepared(tag, url, localPath, current))

	job := transfer.Job{
		Tag:         tag,
		URL:         url,
		LocalPath:   localPath,
		StartOffset: current,
		TotalSize:   total,
		Flow:        req.flow,
		Handle:      handle,
	}
	err = m.pool.Submit(pool.Task{
		Name:     tag,
		Priority: req.priority,
		Run:      func() { m.run(exec, job) },
	})
	if err != nil {
		m.events.Dispatch(event.NewDownloadRejected(tag, err.Error()))
		m.abort(handle, exec, req.flow, span, &domain.TransferError{Kind: domain.KindAdmission, Op: "schedule transfer", Err: err}, current, total)
		return
	}

	m.logger.Debug("download scheduled",
		zap.String("tag", tag),
		zap.String("path", localPath),
		zap.Int64("start_offset", current))
}

// run executes a scheduled transfer unless it was cancelled while queued
func (m *Manager) run(exec *registry.Execution, job transfer.Job) {
	defer m.forgetExecution(job.Tag, exec)
	defer exec.Finish()

	if !exec.Begin() {
		m.logger.Debug("transfer cancelled before start", zap.String("tag", job.Tag))
		return
	}

	begin := time.Now()
	switch s := m.worker.Run(exec.Context(), job).(type) {
	case domain.Success:
		m.events.Dispatch(event.NewDownloadSucceeded(job.Tag, s.LocalPath, s.TotalSize, job.StartOffset, false, time.Since(begin)))
	case domain.Error:
		m.events.Dispatch(event.NewDownloadFailed(job.Tag, "transfer", s.Message))
	}
}

// reject reports an admission failure. No handle or record is created.
func (m *Manager) reject(tag string, flow *domain.StatusFlow, span trace.Span, err error) {
	flow.Set(domain.Error{Tag: tag, Message: err.Error()})
	m.events.Dispatch(event.NewDownloadFailed(tag, domain.KindOf(err).String(), err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Warn("download rejected",
		zap.String("tag", tag),
		zap.Error(err))
}

// abort undoes an admission that failed after the handle was registered
func (m *Manager) abort(h *registry.Handle, exec *registry.Execution, flow *domain.StatusFlow, span trace.Span, err error, current, total int64) {
	tag := h.Tag
	flow.Set(domain.Error{Tag: tag, Message: err.Error()})
	m.registry.CancelIf(tag, h)
	m.forgetExecution(tag, exec)

	if rerr := m.recorder.Fail(context.WithoutCancel(m.base), tag, err.Error(), domain.Checkpoint{CurrentSize: current, TotalSize: total}); rerr != nil {
		m.logger.Error("failed to record admission error",
			zap.String("tag", tag),
			zap.Error(rerr))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Error("download aborted",
		zap.String("tag", tag),
		zap.Error(err))
}

// awaitRelease cancels the previous transfer of tag and waits until it
// stopped touching its file. It returns false if that did not happen within
// StaleWaitTimeout, in which case the tag must not be admitted.
func (m *Manager) awaitRelease(tag string, exec *registry.Execution) bool {
	exec.Cancel()

	timer := time.NewTimer(m.config.StaleWaitTimeout)
	defer timer.Stop()

	select {
	case <-exec.Done():
		return true
	case <-timer.C:
		m.logger.Warn("previous transfer still running",
			zap.String("tag", tag),
			zap.Duration("waited", m.config.StaleWaitTimeout))
		return false
	}
}

func (m *Manager) trackExecution(tag string, exec *registry.Execution) {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	m.execs[tag] = exec
}

func (m *Manager) execution(tag string) *registry.Execution {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return m.execs[tag]
}

func (m *Manager) forgetExecution(tag string, exec *registry.Execution) {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	if m.execs[tag] == exec {
		delete(m.execs, tag)
	}
}

// StopDownload pauses the transfer of tag. The handle is kept so the
// download can be continued. Unknown tags are ignored.
func (m *Manager) StopDownload(tag string, opts ...Option) {
	req := newRequest(opts)

	unlock := m.locks.lock(tag)
	defer unlock()

	if !m.registry.Pause(tag) {
		m.logger.Debug("stop ignored, no such download", zap.String("tag", tag))
		return
	}
	if err := m.recorder.Pause(tag); err != nil {
		m.logger.Error("failed to record pause", zap.String("tag", tag), zap.Error(err))
	}
	req.flow.Set(domain.Pause{Tag: tag})
	m.events.Dispatch(event.NewDownloadPaused(tag))
}

// StopAllDownload pauses every active transfer
func (m *Manager) StopAllDownload(opts ...Option) {
	handles := m.registry.AllActive()
	for _, h := range handles {
		m.StopDownload(h.Tag, opts...)
	}
	if len(handles) > 0 {
		m.logger.Info("paused all downloads", zap.Int("count", len(handles)))
	}
}

// ContinueDownload resumes tag from its durable record into the directory
// it was being written to
func (m *Manager) ContinueDownload(ctx context.Context, tag string, opts ...Option) {
	rec, err := m.recorder.Get(ctx, tag)
	if err != nil {
		m.logger.Error("failed to read record", zap.String("tag", tag), zap.Error(err))
		return
	}
	if rec == nil || rec.URL == "" || rec.Name == "" {
		m.logger.Debug("continue ignored, no usable record", zap.String("tag", tag))
		return
	}

	resume := append([]Option{WithSavePath(filepath.Dir(rec.LocalPath))}, opts...)
	resume = append(resume, WithReDownload(false))
	m.Download(ctx, rec.Tag, rec.URL, rec.Name, resume...)
}

// CancelDownload stops the transfer of tag and forgets its handle.
// The partial file and the record's counters are kept.
func (m *Manager) CancelDownload(tag string, opts ...Option) {
	req := newRequest(opts)

	unlock := m.locks.lock(tag)
	defer unlock()

	if !m.registry.Cancel(tag) {
		m.logger.Debug("cancel ignored, no such download", zap.String("tag", tag))
		return
	}
	if err := m.recorder.Cancel(tag); err != nil {
		m.logger.Error("failed to record cancel", zap.String("tag", tag), zap.Error(err))
	}
	req.flow.Set(domain.Cancel{Tag: tag})
	m.events.Dispatch(event.NewDownloadCancelled(tag))
}

// GetDownloadData returns the durable record of tag, nil if there is none
func (m *Manager) GetDownloadData(ctx context.Context, tag string) (*domain.DownloadRecord, error) {
	return m.recorder.Get(ctx, tag)
}

// GetAllDownloadData returns every durable record
func (m *Manager) GetAllDownloadData(ctx context.Context) ([]*domain.DownloadRecord, error) {
	return m.recorder.List(ctx)
}

// CollectDownload yields the record of tag and every distinct later snapshot
// until the consumer stops or ctx is done. A nil record means none exists.
func (m *Manager) CollectDownload(ctx context.Context, tag string) iter.Seq[*domain.DownloadRecord] {
	return func(yield func(*domain.DownloadRecord) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for rec := range m.recorder.Watch(ctx, tag) {
			if !yield(rec) {
				return
			}
		}
	}
}

// Shutdown cancels every execution, running or queued
func (m *Manager) Shutdown() {
	m.shutdown()
}
