package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrRejected is returned when the queue and every worker slot are taken
	ErrRejected = errors.New("pool saturated: task rejected")

	// ErrShutdown is returned by Submit after Shutdown was called
	ErrShutdown = errors.New("pool is shut down")
)

// Config contains pool sizing
type Config struct {
	// CoreSize workers stay alive while idle
	CoreSize int

	// MaxSize bounds the number of workers
	MaxSize int

	// KeepAlive is how long a worker above CoreSize waits for work before exiting
	KeepAlive time.Duration

	// QueueSize bounds the FIFO queue. Ignored in priority mode.
	QueueSize int

	// Priority orders queued tasks by Task.Priority. The priority queue is
	// unbounded, so the pool never grows beyond CoreSize in this mode.
	Priority bool
}

// DefaultConfig returns sizing derived from the number of CPUs
func DefaultConfig() *Config {
	cpus := runtime.NumCPU()
	return &Config{
		CoreSize:  min(max(cpus-1, 2), 4),
		MaxSize:   cpus*2 + 1,
		KeepAlive: 60 * time.Second,
		QueueSize: 128,
	}
}

// Task is a unit of work submitted to the pool
type Task struct {
	Name     string
	Priority int
	Run      func()
}

// Stats is a snapshot of the pool state
type Stats struct {
	CoreSize  int    `json:"core_size"`
	MaxSize   int    `json:"max_size"`
	Workers   int    `json:"workers"`
	Idle      int    `json:"idle"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
}

// Pool runs tasks on a bounded set of goroutines
type Pool struct {
	config *Config
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskQueue
	workers   int
	idle      int
	completed uint64
	rejected  uint64
	shutdown  bool
	wg        sync.WaitGroup

	rejectLog rate.Sometimes
}

// New creates a Pool. Zero fields of cfg take their defaults.
func New(cfg *Config, logger *zap.Logger) *Pool {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.CoreSize <= 0 {
		cfg.CoreSize = defaults.CoreSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.MaxSize < cfg.CoreSize {
		cfg.MaxSize = cfg.CoreSize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaults.KeepAlive
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		config:    cfg,
		logger:    logger,
		rejectLog: rate.Sometimes{Interval: time.Second},
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.Priority {
		p.queue = newPriorityQueue()
	} else {
		p.queue = newFIFOQueue(cfg.QueueSize)
	}
	return p
}

// Submit schedules t. Below CoreSize a new worker is started for it,
// then the queue is used, then workers are added up to MaxSize.
// When all of that is exhausted the task is rejected.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task has no Run func")
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrShutdown
	}
	if p.workers < p.config.CoreSize {
		p.spawnLocked(&t)
		p.mu.Unlock()
		return nil
	}
	if p.queue.push(&t) {
		p.cond.Signal()
		p.mu.Unlock()
		return nil
	}
	if p.workers < p.config.MaxSize {
		p.spawnLocked(&t)
		p.mu.Unlock()
		return nil
	}
	p.rejected++
	workers, queued := p.workers, p.queue.len()
	p.mu.Unlock()

	p.rejectLog.Do(func() {
		p.logger.Error("task rejected, pool saturated",
			zap.String("task", t.Name),
			zap.Int("workers", workers),
			zap.Int("queued", queued))
	})
	return ErrRejected
}

func (p *Pool) spawnLocked(first *Task) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first)
}

func (p *Pool) worker(t *Task) {
	defer p.wg.Done()
	for t != nil {
		p.run(t)
		t = p.next()
	}
}

func (p *Pool) run(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("task", t.Name),
				zap.Any("panic", r))
		}
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
	}()
	t.Run()
}

// next blocks until a task is available. It returns nil when the calling
// worker should exit, after releasing its slot.
func (p *Pool) next() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.idle++
	defer func() { p.idle-- }()

	var deadline time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if t := p.queue.pop(); t != nil {
			return t
		}
		if p.shutdown {
			p.workers--
			return nil
		}
		if p.workers > p.config.CoreSize {
			if deadline.IsZero() {
				deadline = time.Now().Add(p.config.KeepAlive)
				timer = time.AfterFunc(p.config.KeepAlive, p.cond.Broadcast)
			} else if !time.Now().Before(deadline) {
				p.workers--
				return nil
			}
		}
		p.cond.Wait()
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		CoreSize:  p.config.CoreSize,
		MaxSize:   p.config.MaxSize,
		Workers:   p.workers,
		Idle:      p.idle,
		Queued:    p.queue.len(),
		Completed: p.completed,
		Rejected:  p.rejected,
	}
}

// Shutdown stops accepting tasks and waits until queued and running tasks
// have finished or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
