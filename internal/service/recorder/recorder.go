package recorder

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/port"
)

// Config contains recorder configuration
type Config struct {
	// QueueSize is the number of pending operations before callers block
	QueueSize int
}

// DefaultConfig returns default recorder configuration
func DefaultConfig() *Config {
	return &Config{QueueSize: 256}
}

// pendingProgress holds the newest running counters of a tag until a
// queued flush writes them
type pendingProgress struct {
	current   int64
	total     int64
	scheduled bool
}

type op struct {
	name    string
	tag     string
	publish bool
	fn      func() error
	result  chan error
}

// Recorder runs every durable read and write on a single goroutine in the
// order they were issued. Write operations return once queued; reads and
// terminal writes wait for their result. Watchers of a tag are notified with
// a fresh snapshot after each write.
type Recorder struct {
	config *Config
	repo   port.DownloadRecordRepository
	logger *zap.Logger
	hub    *hub

	ops    chan *op
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	progressMu sync.Mutex
	progress   map[string]*pendingProgress
}

// New creates a Recorder and starts its I/O goroutine
func New(cfg *Config, repo port.DownloadRecordRepository, logger *zap.Logger) *Recorder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		config:   cfg,
		repo:     repo,
		logger:   logger,
		hub:      newHub(),
		ops:      make(chan *op, cfg.QueueSize),
		done:     make(chan struct{}),
		progress: make(map[string]*pendingProgress),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)

	for o := range r.ops {
		err := o.fn()
		if err != nil && o.result == nil {
			r.logger.Error("durable write failed",
				zap.String("op", o.name),
				zap.String("tag", o.tag),
				zap.Error(err))
		}
		if o.publish && r.hub.watched(o.tag) {
			r.refresh(o.tag)
		}
		if o.result != nil {
			o.result <- err
		}
	}
}

// refresh re-reads the record and hands it to the watchers of tag
func (r *Recorder) refresh(tag string) {
	rec, err := r.repo.GetByTag(tag)
	if err != nil {
		r.logger.Warn("failed to read record for watchers",
			zap.String("tag", tag),
			zap.Error(err))
		return
	}
	r.hub.publish(tag, rec)
}

func (r *Recorder) enqueue(o *op) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.ErrClosed
	}
	r.ops <- o
	return nil
}

// call queues o and waits for its result
func (r *Recorder) call(ctx context.Context, o *op) error {
	o.result = make(chan error, 1)
	if err := r.enqueue(o); err != nil {
		return err
	}
	select {
	case err := <-o.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dropProgress forgets unwritten running counters of tag. Called when a
// later operation carries counters of its own or starts a new session.
func (r *Recorder) dropProgress(tag string) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	delete(r.progress, tag)
}

// Prepare queues an upsert of rec with status Prepare and a cleared error
func (r *Recorder) Prepare(rec *domain.DownloadRecord) error {
	cp := *rec
	cp.Status = domain.StatusPrepare
	cp.ErrorMessage = ""
	cp.Progress = domain.CalcProgress(cp.CurrentSize, cp.TotalSize)
	r.dropProgress(cp.Tag)
	return r.enqueue(&op{
		name:    "prepare",
		tag:     cp.Tag,
		publish: true,
		fn:      func() error { return r.repo.Upsert(&cp) },
	})
}

// Progress records the running counters of tag without blocking. Updates
// issued before the queued write runs are coalesced into the newest one.
// When the queue is full the counters stay pending and ride on the next
// update that finds room; the final checkpoint carries exact counters anyway.
func (r *Recorder) Progress(tag string, current, total int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.ErrClosed
	}

	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	p, ok := r.progress[tag]
	if !ok {
		p = &pendingProgress{}
		r.progress[tag] = p
	}
	p.current, p.total = current, total
	if p.scheduled {
		return nil
	}

	select {
	case r.ops <- &op{name: "progress", tag: tag, publish: true, fn: func() error { return r.flushProgress(tag, p) }}:
		p.scheduled = true
	default:
	}
	return nil
}

// flushProgress writes the counters of p unless a later operation superseded them
func (r *Recorder) flushProgress(tag string, p *pendingProgress) error {
	r.progressMu.Lock()
	if r.progress[tag] != p {
		r.progressMu.Unlock()
		return nil
	}
	delete(r.progress, tag)
	current, total := p.current, p.total
	r.progressMu.Unlock()

	return r.repo.UpdateProgress(tag, current, total, domain.CalcProgress(current, total))
}

// Checkpoint queues the exact counters of a stopped transfer. The status is kept.
func (r *Recorder) Checkpoint(tag string, cp domain.Checkpoint) error {
	r.dropProgress(tag)
	return r.enqueue(&op{
		name:    "checkpoint",
		tag:     tag,
		publish: true,
		fn: func() error {
			return r.repo.UpdateCheckpoint(tag, cp.CurrentSize, cp.TotalSize, cp.Progress())
		},
	})
}

// Pause queues a status change to Pause
func (r *Recorder) Pause(tag string) error {
	return r.setStatus("pause", tag, domain.StatusPause)
}

// Cancel queues a status change to Cancel
func (r *Recorder) Cancel(tag string) error {
	return r.setStatus("cancel", tag, domain.StatusCancel)
}

func (r *Recorder) setStatus(name, tag string, status domain.StatusCode) error {
	return r.enqueue(&op{
		name:    name,
		tag:     tag,
		publish: true,
		fn:      func() error { return r.repo.UpdateStatus(tag, status, "") },
	})
}

// Complete records the final size and Success and waits until it is durable
func (r *Recorder) Complete(ctx context.Context, tag string, total int64) error {
	r.dropProgress(tag)
	return r.call(ctx, &op{
		name:    "complete",
		tag:     tag,
		publish: true,
		fn:      func() error { return r.repo.CompleteTransfer(tag, total) },
	})
}

// Fail records the error message with the counters reached and waits until it is durable
func (r *Recorder) Fail(ctx context.Context, tag, errMsg string, cp domain.Checkpoint) error {
	r.dropProgress(tag)
	return r.call(ctx, &op{
		name:    "fail",
		tag:     tag,
		publish: true,
		fn: func() error {
			return r.repo.FailTransfer(tag, errMsg, cp.CurrentSize, cp.TotalSize, cp.Progress())
		},
	})
}

// Get returns the record for tag, nil if there is none
func (r *Recorder) Get(ctx context.Context, tag string) (*domain.DownloadRecord, error) {
	var rec *domain.DownloadRecord
	err := r.call(ctx, &op{
		name: "get",
		tag:  tag,
		fn: func() error {
			var err error
			rec, err = r.repo.GetByTag(tag)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every record
func (r *Recorder) List(ctx context.Context) ([]*domain.DownloadRecord, error) {
	var list []*domain.DownloadRecord
	err := r.call(ctx, &op{
		name: "list",
		fn: func() error {
			var err error
			list, err = r.repo.List()
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Counts returns the number of records per status
func (r *Recorder) Counts(ctx context.Context) (map[domain.StatusCode]int, error) {
	var counts map[domain.StatusCode]int
	err := r.call(ctx, &op{
		name: "counts",
		fn: func() error {
			var err error
			counts, err = r.repo.CountByStatus()
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Delete removes the record for tag
func (r *Recorder) Delete(ctx context.Context, tag string) error {
	r.dropProgress(tag)
	return r.call(ctx, &op{
		name:    "delete",
		tag:     tag,
		publish: true,
		fn:      func() error { return r.repo.DeleteByTag(tag) },
	})
}

// Watch returns a channel that yields the current record of tag and then
// every distinct later snapshot. A nil value means there is no record.
// Readers that fall behind only see the newest snapshot. The channel is
// closed when ctx is done or the recorder is closed.
func (r *Recorder) Watch(ctx context.Context, tag string) <-chan *domain.DownloadRecord {
	id, ch := r.hub.subscribe(tag)

	snapshot := &op{name: "watch", tag: tag, publish: true, fn: func() error { return nil }}
	if err := r.enqueue(snapshot); err != nil {
		r.hub.unsubscribe(tag, id)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.hub.unsubscribe(tag, id)
	}()
	return ch
}

// Close drains queued operations and stops the I/O goroutine
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()

	select {
	case <-r.done:
		r.logger.Debug("recorder stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recorder close: %w", ctx.Err())
	}
}
