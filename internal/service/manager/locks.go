package manager

import "sync"

// tagLocks serializes admission per tag
type tagLocks struct {
	mu    sync.Mutex
	locks map[string]*tagLock
}

type tagLock struct {
	mu   sync.Mutex
	refs int
}

func newTagLocks() *tagLocks {
	return &tagLocks{locks: make(map[string]*tagLock)}
}

// lock acquires the lock of tag and returns its release func
func (l *tagLocks) lock(tag string) func() {
	l.mu.Lock()
	tl, ok := l.locks[tag]
	if !ok {
		tl = &tagLock{}
		l.locks[tag] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tag)
		}
		l.mu.Unlock()
	}
}
