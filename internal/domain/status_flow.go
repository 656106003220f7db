package domain

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vertextoedge/dlengine/internal/util/conflate"
)

// StatusFlow holds the latest Status of one caller session and fans it out to
// subscribers. Set never blocks: a slow subscriber only sees the newest value.
// A nil *StatusFlow accepts Set and ignores it.
type StatusFlow struct {
	id string

	mu     sync.Mutex
	value  Status
	subs   map[int]chan Status
	nextID int
}

// NewStatusFlow creates a flow whose current value is Default
func NewStatusFlow() *StatusFlow {
	return &StatusFlow{
		id:    uuid.NewString(),
		value: Default{},
		subs:  make(map[int]chan Status),
	}
}

// ID returns the session identifier of the flow
func (f *StatusFlow) ID() string {
	if f == nil {
		return ""
	}
	return f.id
}

// Value returns the latest status
func (f *StatusFlow) Value() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set replaces the current status and notifies subscribers
func (f *StatusFlow) Set(s Status) {
	if f == nil || s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.value = s
	for _, ch := range f.subs {
		conflate.Offer(ch, s)
	}
}

// Subscribe returns a channel that first yields the current value and then every
// later value a reader keeps up with. The channel is closed when ctx is done.
func (f *StatusFlow) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	ch <- f.value
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}
