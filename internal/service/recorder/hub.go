package recorder

import (
	"sync"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/util/conflate"
)

type watcher struct {
	ch      chan *domain.DownloadRecord
	last    *domain.DownloadRecord
	hasLast bool
}

// hub fans record snapshots out to the watchers of each tag.
// Each watcher only receives values that differ from the previous one it got.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[int]*watcher
	nextID   int
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[int]*watcher)}
}

func (h *hub) subscribe(tag string) (int, chan *domain.DownloadRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	w := &watcher{ch: make(chan *domain.DownloadRecord, 1)}
	if h.watchers[tag] == nil {
		h.watchers[tag] = make(map[int]*watcher)
	}
	h.watchers[tag][id] = w
	return id, w.ch
}

func (h *hub) unsubscribe(tag string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.watchers[tag]
	w, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.watchers, tag)
	}
	close(w.ch)
}

func (h *hub) watched(tag string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[tag]) > 0
}

func (h *hub) publish(tag string, rec *domain.DownloadRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.watchers[tag] {
		if w.hasLast && domain.RecordsEqual(w.last, rec) {
			continue
		}
		w.last, w.hasLast = rec, true
		var snapshot *domain.DownloadRecord
		if rec != nil {
			cp := *rec
			snapshot = &cp
		}
		conflate.Offer(w.ch, snapshot)
	}
}
