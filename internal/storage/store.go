// Package storage is the document-store collaborator the call subsystem is
// built on: single JSON documents addressed by path ("calls/{id}",
// "users/{id}") with overwrite, atomic update, delete and change watching.
package storage

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("storage")

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("storage: document not found")

// Change is one observed state of a watched document. Body is nil when the
// document was deleted (or never existed).
type Change struct {
	Path    string
	Body    []byte
	Version int64
}

// Deleted reports whether the change represents an absent document.
func (c Change) Deleted() bool { return c.Body == nil }

// ErrNoChange may be returned by an UpdateFunc to leave the document as it
// is. Update then returns nil.
var ErrNoChange = errors.New("storage: no change")

// UpdateFunc receives the current body (nil if absent) and returns the new
// body. Returning a nil body deletes the document.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is implemented by the memory, SQLite and Redis backends.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Set overwrites the document at path.
	Set(ctx context.Context, path string, body []byte) error
	// Update performs an atomic read-modify-write of one document.
	Update(ctx context.Context, path string, fn UpdateFunc) error
	Delete(ctx context.Context, path string) error
	// Watch emits the current state of path once, then every change until
	// ctx is done. The channel is closed when the watch ends.
	Watch(ctx context.Context, path string) (<-chan Change, error)
	Close() error
}

// watchBuf is the per-watcher channel capacity. A slow consumer loses the
// oldest pending states, never the latest one and never the ordering.
const watchBuf = 16

type watcher struct {
	ch chan Change
}

// push queues c, evicting the oldest pending change while the buffer is
// full. Only the hub sends on ch, under hub.mu.
func (w *watcher) push(c Change) {
	for {
		select {
		case w.ch <- c:
			return
		default:
		}
		select {
		case old := <-w.ch:
			log.Debugf("watcher for %s is behind, skipping version %d", old.Path, old.Version)
		default:
		}
	}
}

// hub fans document changes out to watchers and drops duplicate versions, so
// a backend may publish the same change from more than one source.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
	last     map[string]lastState
	closed   bool
}

type lastState struct {
	version int64
	deleted bool
}

func newHub() *hub {
	return &hub{
		watchers: make(map[string]map[*watcher]struct{}),
		last:     make(map[string]lastState),
	}
}

// add registers a watcher for path and seeds it with the initial state.
// The returned cancel func unregisters and closes the channel.
func (h *hub) add(path string, initial Change) (*watcher, func()) {
	w := &watcher{ch: make(chan Change, watchBuf)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(w.ch)
		return w, func() {}
	}
	set, ok := h.watchers[path]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[path] = set
	}
	set[w] = struct{}{}
	if _, seen := h.last[path]; !seen {
		h.last[path] = lastState{version: initial.Version, deleted: initial.Deleted()}
	}
	w.ch <- initial
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.watchers[path]; ok {
				if _, ok := set[w]; ok {
					delete(set, w)
					close(w.ch)
				}
				if len(set) == 0 {
					delete(h.watchers, path)
					delete(h.last, path)
				}
			}
		})
	}
	return w, cancel
}

// paths returns the currently watched paths.
func (h *hub) paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.watchers))
	for p := range h.watchers {
		out = append(out, p)
	}
	return out
}

// publish delivers c to all watchers of c.Path unless that version was
// already delivered.
func (h *hub) publish(c Change) {
	h.deliver(c, func(prev lastState) bool { return prev.version != c.Version })
}

// publishIfNewer is used by pollers that cannot tell a fresh delete from an
// old one: deletes are delivered once, live documents only when newer.
func (h *hub) publishIfNewer(c Change) {
	h.deliver(c, func(prev lastState) bool {
		if c.Deleted() {
			return !prev.deleted
		}
		return prev.deleted || c.Version > prev.version
	})
}

func (h *hub) deliver(c Change, changed func(prev lastState) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[c.Path]
	if !ok {
		return
	}
	if prev, seen := h.last[c.Path]; seen && !changed(prev) {
		return
	}
	h.last[c.Path] = lastState{version: c.Version, deleted: c.Deleted()}
	for w := range set {
		w.push(c)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.watchers {
		for w := range set {
			close(w.ch)
		}
	}
	h.watchers = nil
}

// watchUntilDone registers a watcher and unregisters it when ctx ends.
func (h *hub) watchUntilDone(ctx context.Context, path string, initial Change) <-chan Change {
	w, cancel := h.add(path, initial)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return w.ch
}
