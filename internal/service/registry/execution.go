package registry

import (
	"context"
	"sync"
)

type execState int

const (
	execPending execState = iota
	execRunning
	execFinished
)

// Execution is the cancellation token of one submitted transfer.
// A transfer that is cancelled before it starts never runs.
type Execution struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state execState
	done  chan struct{}
}

// NewExecution creates a pending execution derived from parent
func NewExecution(parent context.Context) *Execution {
	ctx, cancel := context.WithCancel(parent)
	return &Execution{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context returns the context the transfer must observe
func (e *Execution) Context() context.Context {
	return e.ctx
}

// Done is closed once the execution will never touch the file again
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Begin moves a pending execution to running. It returns false when the
// execution was cancelled first, in which case it is finished as well.
func (e *Execution) Begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != execPending {
		return false
	}
	if e.ctx.Err() != nil {
		e.finishLocked()
		return false
	}
	e.state = execRunning
	return true
}

// Finish marks the execution as terminated. Safe to call more than once.
func (e *Execution) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked()
}

func (e *Execution) finishLocked() {
	if e.state == execFinished {
		return
	}
	e.state = execFinished
	e.cancel()
	close(e.done)
}

// Cancel requests the transfer to stop. A pending execution finishes at once,
// a running one finishes when its worker returns.
func (e *Execution) Cancel() {
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == execPending {
		e.finishLocked()
	}
}

// Active reports whether the execution is neither cancelled nor finished
func (e *Execution) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != execFinished && e.ctx.Err() == nil
}
