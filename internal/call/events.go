package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
)

type State int

const (
	Idle State = iota
	Dialing
	AwaitingMedia
	Negotiating
	Active
	Ending
	Failed
)

var stateNames = [...]string{"idle", "dialing", "awaiting-media", "negotiating", "active", "ending", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// idle reports whether a new call may start from s.
func (s State) idle() bool { return s == Idle || s == Failed }

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Ring describes an incoming call offered to the user.
type Ring struct {
	CallerID     string     `json:"caller_id"`
	CallerName   string     `json:"caller_name"`
	CallerHandle string     `json:"caller_handle"`
	Kind         media.Kind `json:"kind"`
}

type EventType string

const (
	EventState         EventType = "state"
	EventRing          EventType = "ring"
	EventRingCancelled EventType = "ring-cancelled"
	EventRemoteStream  EventType = "remote-stream"
	EventFailed        EventType = "failed"
	EventEnded         EventType = "ended"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state"`
	Ring      *Ring     `json:"ring,omitempty"`
	Reason    Reason    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Transition is one entry of the state history.
type Transition struct {
	SessionID string    `json:"session_id,omitempty"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    Reason    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// subBuf is the per-subscriber event buffer. Slow subscribers lose events.
const subBuf = 64

// Subscribe returns a channel of negotiator events and a cancel func that
// unsubscribes and closes it.
func (n *Negotiator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subBuf)
	n.subMu.Lock()
	n.subs[ch] = struct{}{}
	n.subMu.Unlock()

	cancel := func() {
		n.subMu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.subMu.Unlock()
	}
	return ch, cancel
}

// OnIncoming registers a handler fired for each ring.
func (n *Negotiator) OnIncoming(fn func(Ring)) {
	n.subMu.Lock()
	n.ringHandlers = append(n.ringHandlers, fn)
	n.subMu.Unlock()
}

func (n *Negotiator) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = n.clock.Now()
	}
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *Negotiator) fireRing(r Ring) {
	n.subMu.Lock()
	handlers := append([]func(Ring){}, n.ringHandlers...)
	n.subMu.Unlock()
	for _, fn := range handlers {
		fn(r)
	}
}

// History returns recent state transitions, oldest first.
func (n *Negotiator) History() []Transition {
	return n.history.Snapshot()
}
