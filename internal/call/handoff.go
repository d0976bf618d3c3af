package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopcall/internal/peer"
)

// handoff is the single-assignment slot between an inbound media call from
// a peer and the session waiting for it. Exactly one of offer (an inbound
// call) or claim (our own dial-back) wins; ready closes when either does.
type handoff struct {
	won     atomic.Bool
	ready   chan struct{}
	created time.Time

	mu   sync.Mutex
	call peer.MediaCall
}

func newHandoff(now time.Time) *handoff {
	return &handoff{ready: make(chan struct{}), created: now}
}

// offer fills the slot with an inbound call. It reports false if the slot
// was already taken; the caller must then discard c.
func (h *handoff) offer(c peer.MediaCall) bool {
	if !h.won.CompareAndSwap(false, true) {
		return false
	}
	h.mu.Lock()
	h.call = c
	h.mu.Unlock()
	close(h.ready)
	return true
}

// claim takes the slot for a dial-back. It reports false if an inbound call
// got there first.
func (h *handoff) claim() bool {
	if !h.won.CompareAndSwap(false, true) {
		return false
	}
	close(h.ready)
	return true
}

// inbound returns the offered call, nil if the slot is empty or claimed.
func (h *handoff) inbound() peer.MediaCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.call
}

// taken reports whether offer or claim has won.
func (h *handoff) taken() bool { return h.won.Load() }
