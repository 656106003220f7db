// Package dlengine is a resumable download engine. Downloads are identified
// by a caller-chosen tag, run on a bounded pool, persist their progress in
// sqlite and resume from the last written byte.
package dlengine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/adapter/filesystem"
	"github.com/vertextoedge/dlengine/internal/adapter/httpclient"
	"github.com/vertextoedge/dlengine/internal/adapter/sqlite"
	"github.com/vertextoedge/dlengine/internal/config"
	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/domain/event"
	"github.com/vertextoedge/dlengine/internal/service/maintenance"
	"github.com/vertextoedge/dlengine/internal/service/manager"
	"github.com/vertextoedge/dlengine/internal/service/pool"
	"github.com/vertextoedge/dlengine/internal/service/recorder"
	"github.com/vertextoedge/dlengine/internal/service/registry"
	"github.com/vertextoedge/dlengine/internal/service/server"
	"github.com/vertextoedge/dlengine/internal/service/transfer"
)

type (
	// Config is the engine configuration, see LoadConfig
	Config = config.Config

	// Record is the durable state of a download
	Record = domain.DownloadRecord

	// Status is the value broadcast on a StatusFlow
	Status = domain.Status

	// StatusCode is the persisted form of a Status
	StatusCode = domain.StatusCode

	// StatusFlow carries the status of one download session to subscribers
	StatusFlow = domain.StatusFlow

	// Option tunes a single download operation
	Option = manager.Option

	// PoolStats is a snapshot of the transfer pool
	PoolStats = pool.Stats
)

var (
	// LoadConfig reads a YAML config file. An empty path yields the defaults.
	LoadConfig = config.Load

	// NewStatusFlow creates a flow to pass with WithStatusFlow
	NewStatusFlow = domain.NewStatusFlow

	WithSavePath   = manager.WithSavePath
	WithReDownload = manager.WithReDownload
	WithStatusFlow = manager.WithStatusFlow
	WithPriority   = manager.WithPriority
)

// OpenOption tunes Open
type OpenOption func(*openOptions)

type openOptions struct {
	tracerProvider trace.TracerProvider
}

// WithTracerProvider traces admissions and transfers with tp
func WithTracerProvider(tp trace.TracerProvider) OpenOption {
	return func(o *openOptions) {
		o.tracerProvider = tp
	}
}

// Engine owns every component of a running download engine
type Engine struct {
	config *Config
	logger *zap.Logger

	store       *sqlite.Store
	recorder    *recorder.Recorder
	pool        *pool.Pool
	manager     *manager.Manager
	maintenance *maintenance.Service
	server      *server.Server
	metrics     *event.MetricsHandler

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open builds the engine from cfg, moves downloads interrupted by a previous
// process to Pause and starts the background services.
func Open(cfg *Config, logger *zap.Logger, opts ...OpenOption) (*Engine, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	fs, err := filesystem.NewManager(cfg.Download.Dir, filesystem.Options{
		SyncWrites:   cfg.Download.SyncWrites,
		MinFreeBytes: uint64(cfg.Download.MinFreeBytes),
	})
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.GetPath(cfg.Download.Dir)
	store, err := sqlite.Open(dbPath, cfg.Database.BusyTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	maint := maintenance.New(&maintenance.Config{
		CleanupInterval: cfg.Maintenance.GetCleanupInterval(),
		RecordRetention: cfg.Maintenance.GetRecordRetention(),
	}, store, logger.Named("maintenance"))
	if _, err := maint.RecoverInterrupted(); err != nil {
		store.Close()
		return nil, err
	}

	rec := recorder.New(&recorder.Config{QueueSize: cfg.Recorder.QueueSize}, store, logger.Named("recorder"))
	reg := registry.New(logger.Named("registry"))

	client := httpclient.New(&httpclient.Config{
		ConnectTimeout:        cfg.HTTP.GetConnectTimeout(),
		ResponseHeaderTimeout: cfg.HTTP.GetResponseHeaderTimeout(),
		IdleReadTimeout:       cfg.HTTP.GetIdleReadTimeout(),
		UserAgent:             cfg.HTTP.UserAgent,
		SkipTLSVerify:         cfg.HTTP.SkipTLSVerify,
		MaxConnsPerHost:       cfg.HTTP.MaxConnsPerHost,
	}, logger.Named("http"))

	var workerOpts []transfer.Option
	var tracer trace.Tracer
	if o.tracerProvider != nil {
		tracer = o.tracerProvider.Tracer("github.com/vertextoedge/dlengine")
		workerOpts = append(workerOpts, transfer.WithTracer(tracer))
	}
	worker := transfer.NewWorker(&transfer.Config{ChunkSize: cfg.Download.ChunkSize},
		client, fs, rec, reg, logger.Named("transfer"), workerOpts...)

	p := pool.New(&pool.Config{
		CoreSize:  cfg.Pool.CoreSize,
		MaxSize:   cfg.Pool.MaxSize,
		KeepAlive: cfg.Pool.GetKeepAlive(),
		QueueSize: cfg.Pool.QueueSize,
		Priority:  cfg.Pool.Priority,
	}, logger.Named("pool"))

	metrics := event.NewMetricsHandler()
	dispatcher := event.NewInMemoryDispatcher(false, logger.Named("events"))
	dispatcher.Subscribe(event.NewLoggingHandler(logger.Named("events")))
	dispatcher.Subscribe(metrics)

	m := manager.New(&manager.Config{
		StaleWaitTimeout: cfg.Download.GetStaleWaitTimeout(),
	}, manager.Deps{
		Registry: reg,
		Recorder: rec,
		Pool:     p,
		Worker:   worker,
		FS:       fs,
		Events:   dispatcher,
		Tracer:   tracer,
	}, logger.Named("manager"))

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:      cfg,
		logger:      logger,
		store:       store,
		recorder:    rec,
		pool:        p,
		manager:     m,
		maintenance: maint,
		metrics:     metrics,
		cancel:      cancel,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := maint.Start(ctx); err != nil {
			logger.Error("maintenance service failed", zap.Error(err))
		}
	}()

	if cfg.Server.BindAddr != "" {
		e.server = server.New(&server.Config{
			BindAddr:     cfg.Server.BindAddr,
			ReadTimeout:  cfg.Server.GetReadTimeout(),
			WriteTimeout: cfg.Server.GetWriteTimeout(),
			IdleTimeout:  cfg.Server.GetIdleTimeout(),
		}, server.Deps{
			Store:     store,
			Downloads: m,
			Counter:   rec,
			Pool:      p,
			Metrics:   metrics,
			FS:        fs,
		}, logger.Named("server"))

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.server.Start(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("download engine opened",
		zap.String("dir", cfg.Download.Dir),
		zap.String("database", dbPath),
		zap.Any("pool", p.Stats()))
	return e, nil
}

// Download admits a download of url saved as saveName under tag.
// Progress is reported on the flow passed with WithStatusFlow.
func (e *Engine) Download(ctx context.Context, tag, url, saveName string, opts ...Option) {
	e.manager.Download(ctx, tag, url, saveName, opts...)
}

// StopDownload pauses the transfer of tag, keeping what was written
func (e *Engine) StopDownload(tag string, opts ...Option) {
	e.manager.StopDownload(tag, opts...)
}

// StopAllDownload pauses every running transfer
func (e *Engine) StopAllDownload(opts ...Option) {
	e.manager.StopAllDownload(opts...)
}

// ContinueDownload resumes tag from its recorded checkpoint
func (e *Engine) ContinueDownload(ctx context.Context, tag string, opts ...Option) {
	e.manager.ContinueDownload(ctx, tag, opts...)
}

// CancelDownload stops the transfer of tag and forgets its handle
func (e *Engine) CancelDownload(tag string, opts ...Option) {
	e.manager.CancelDownload(tag, opts...)
}

// GetDownloadData returns the record of tag, nil if there is none
func (e *Engine) GetDownloadData(ctx context.Context, tag string) (*Record, error) {
	return e.manager.GetDownloadData(ctx, tag)
}

// GetAllDownloadData returns every record
func (e *Engine) GetAllDownloadData(ctx context.Context) ([]*Record, error) {
	return e.manager.GetAllDownloadData(ctx)
}

// CollectDownload yields the record of tag each time it changes
func (e *Engine) CollectDownload(ctx context.Context, tag string) iter.Seq[*Record] {
	return e.manager.CollectDownload(ctx, tag)
}

// Metrics returns the event counters
func (e *Engine) Metrics() map[string]int64 {
	return e.metrics.GetMetrics()
}

// PoolStats returns a snapshot of the transfer pool
func (e *Engine) PoolStats() PoolStats {
	return e.pool.Stats()
}

// Close pauses running transfers, waits for their checkpoints to be written
// and releases every resource. Later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closeErr = e.close(ctx)
	})
	return e.closeErr
}

func (e *Engine) close(ctx context.Context) error {
	var errs []error

	e.manager.StopAllDownload()
	e.manager.Shutdown()
	if err := e.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	e.cancel()
	e.maintenance.Stop()
	if e.server != nil {
		if err := e.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.wg.Wait()

	if err := e.recorder.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("download engine closed")
	return errors.Join(errs...)
}
