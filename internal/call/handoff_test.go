package call

import (
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/peer"
)

// stubCall is a MediaCall that is only ever compared, never driven.
type stubCall struct {
	peer.MediaCall
	id string
}

func TestHandoffOfferThenClaim(t *testing.T) {
	h := newHandoff(time.Now())
	c := &stubCall{id: "in"}

	if !h.offer(c) {
		t.Fatal("first offer lost")
	}
	if h.claim() {
		t.Error("claim won after offer")
	}
	if h.offer(&stubCall{id: "late"}) {
		t.Error("second offer won")
	}
	select {
	case <-h.ready:
	default:
		t.Fatal("ready not closed")
	}
	if h.inbound() != c {
		t.Errorf("inbound = %v", h.inbound())
	}
}

func TestHandoffClaimThenOffer(t *testing.T) {
	h := newHandoff(time.Now())
	if !h.claim() {
		t.Fatal("claim lost on empty slot")
	}
	if h.offer(&stubCall{id: "late"}) {
		t.Error("offer won after claim")
	}
	if h.inbound() != nil {
		t.Errorf("claimed slot holds %v", h.inbound())
	}
	if !h.taken() {
		t.Error("taken = false")
	}
}

func TestHandoffRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHandoff(time.Now())
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			start = make(chan struct{})
		)
		race := func(fn func() bool) {
			defer wg.Done()
			<-start
			if fn() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}
		wg.Add(3)
		go race(func() bool { return h.offer(&stubCall{id: "a"}) })
		go race(h.claim)
		go race(func() bool { return h.offer(&stubCall{id: "b"}) })
		close(start)
		wg.Wait()

		if wins != 1 {
			t.Fatalf("round %d: %d winners", i, wins)
		}
	}
}
