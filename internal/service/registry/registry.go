package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handle is the in-memory entry of one admitted download
type Handle struct {
	Tag       string
	URL       string
	Name      string
	LocalPath string

	exec atomic.Pointer[Execution]
}

// Execution returns the bound execution, nil until Bind was called
func (h *Handle) Execution() *Execution {
	return h.exec.Load()
}

// Active reports whether the handle has a live execution
func (h *Handle) Active() bool {
	e := h.exec.Load()
	return e != nil && e.Active()
}

// Registry maps tags to the handles of admitted downloads
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	logger  *zap.Logger
}

// New creates an empty Registry
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  logger,
	}
}

// Add stores a handle under its tag, replacing any previous one
func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.Tag] = h
}

// Bind attaches an execution to the handle stored under tag.
// It returns false if no handle exists.
func (r *Registry) Bind(tag string, e *Execution) bool {
	r.mu.RLock()
	h, ok := r.handles[tag]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h.exec.Store(e)
	return true
}

// Get returns the handle for tag
func (r *Registry) Get(tag string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[tag]
	return h, ok
}

// IsActive reports whether tag has a live execution. ok is false when the
// tag is unknown. A handle without an execution is known but not active.
func (r *Registry) IsActive(tag string) (active, ok bool) {
	h, ok := r.Get(tag)
	if !ok {
		return false, false
	}
	return h.Active(), true
}

// Pause cancels the execution of tag and keeps the handle
func (r *Registry) Pause(tag string) bool {
	h, ok := r.Get(tag)
	if !ok {
		return false
	}
	if e := h.Execution(); e != nil {
		e.Cancel()
	}
	r.logger.Debug("execution paused", zap.String("tag", tag))
	return true
}

// Cancel cancels the execution of tag and removes the handle
func (r *Registry) Cancel(tag string) bool {
	r.mu.Lock()
	h, ok := r.handles[tag]
	delete(r.handles, tag)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e := h.Execution(); e != nil {
		e.Cancel()
	}
	r.logger.Debug("execution cancelled", zap.String("tag", tag))
	return true
}

// CancelIf cancels and removes the handle of tag only if it is still h.
// The execution of h is cancelled either way.
func (r *Registry) CancelIf(tag string, h *Handle) bool {
	r.mu.Lock()
	cur, ok := r.handles[tag]
	removed := ok && cur == h
	if removed {
		delete(r.handles, tag)
	}
	r.mu.Unlock()

	if e := h.Execution(); e != nil {
		e.Cancel()
	}
	if removed {
		r.logger.Debug("execution cancelled", zap.String("tag", tag))
	}
	return removed
}

// Remove drops the handle of tag without touching its execution
func (r *Registry) Remove(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, tag)
}

// RemoveIf drops the handle of tag only if it is still h
func (r *Registry) RemoveIf(tag string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[tag]; ok && cur == h {
		delete(r.handles, tag)
		return true
	}
	return false
}

// AllActive returns a snapshot of the handles with a live execution
func (r *Registry) AllActive() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if h.Active() {
			result = append(result, h)
		}
	}
	return result
}

// Len returns the number of handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
