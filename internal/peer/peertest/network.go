// Package peertest provides an in-memory peer.Transport. Connections opened
// on the same Network can call each other; every step can be delayed or
// made to fail from a test.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
)

// Network is a switchboard of open connections keyed by handle.
type Network struct {
	mu    sync.Mutex
	conns map[string]*Conn
	opens int

	openHook      func(ctx context.Context, handle string) error
	callHook      func(from, to string, meta peer.Metadata) error
	reconnectHook func(handle string) error
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// SetOpenHook installs fn to run before an open completes; nil removes it.
// A non-nil error fails the open. fn may block to simulate a slow transport.
func (n *Network) SetOpenHook(fn func(ctx context.Context, handle string) error) {
	n.mu.Lock()
	n.openHook = fn
	n.mu.Unlock()
}

// SetCallHook installs fn to run before a call is placed.
func (n *Network) SetCallHook(fn func(from, to string, meta peer.Metadata) error) {
	n.mu.Lock()
	n.callHook = fn
	n.mu.Unlock()
}

// SetReconnectHook installs fn to run on Reconnect.
func (n *Network) SetReconnectHook(fn func(handle string) error) {
	n.mu.Lock()
	n.reconnectHook = fn
	n.mu.Unlock()
}

func (n *Network) Open(ctx context.Context, handle string) (peer.Connection, error) {
	n.mu.Lock()
	n.opens++
	hook := n.openHook
	n.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, handle); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Conn{net: n, handle: handle, events: make(chan peer.ConnEvent, 16)}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.conns[handle]; taken {
		return nil, &peer.Error{Kind: peer.KindUnavailableID, Err: fmt.Errorf("handle %s taken", handle)}
	}
	n.conns[handle] = c
	return c, nil
}

// Opens is the number of Open calls so far.
func (n *Network) Opens() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opens
}

// Conn returns the open connection for handle, or nil.
func (n *Network) Conn(handle string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[handle]
}

func (n *Network) drop(c *Conn) {
	n.mu.Lock()
	if n.conns[c.handle] == c {
		delete(n.conns, c.handle)
	}
	n.mu.Unlock()
}

// Conn is one in-memory registration.
type Conn struct {
	net    *Network
	handle string

	mu         sync.Mutex
	events     chan peer.ConnEvent
	closed     bool
	reconnects int
	placed     []*Call
}

func (c *Conn) Handle() string                { return c.handle }
func (c *Conn) Events() <-chan peer.ConnEvent { return c.events }

// Emit injects an event as if the transport had produced it.
func (c *Conn) Emit(ev peer.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *Conn) Reconnect(context.Context) error {
	c.mu.Lock()
	c.reconnects++
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("connection closed")
	}
	c.net.mu.Lock()
	hook := c.net.reconnectHook
	c.net.mu.Unlock()
	if hook != nil {
		return hook(c.handle)
	}
	return nil
}

func (c *Conn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Placed returns the calls this connection placed.
func (c *Conn) Placed() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Call{}, c.placed...)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	c.net.drop(c)
	return nil
}

func (c *Conn) Call(ctx context.Context, remote string, local *media.Stream, meta peer.Metadata) (peer.MediaCall, error) {
	c.net.mu.Lock()
	hook := c.net.callHook
	c.net.mu.Unlock()
	if hook != nil {
		if err := hook(c.handle, remote, meta); err != nil {
			return nil, err
		}
	}
	target := c.net.Conn(remote)
	if target == nil {
		return nil, &peer.Error{Kind: peer.KindPeerUnavailable, Err: fmt.Errorf("no peer %s", remote)}
	}

	id := uuid.NewString()
	out := &Call{id: id, peer: remote, meta: meta, local: local, answered: true}
	in := &Call{id: id, peer: c.handle, meta: meta}
	out.other, in.other = in, out

	c.mu.Lock()
	c.placed = append(c.placed, out)
	c.mu.Unlock()

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.closed {
		return nil, &peer.Error{Kind: peer.KindPeerUnavailable, Err: fmt.Errorf("peer %s gone", remote)}
	}
	select {
	case target.events <- peer.ConnEvent{Type: peer.EventCall, Call: in}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return out, nil
}

// Call is one side of an in-memory media call.
type Call struct {
	id    string
	peer  string
	meta  peer.Metadata
	other *Call

	mu       sync.Mutex
	local    *media.Stream
	answered bool
	remote   *media.RemoteStream
	onStream []func(*media.RemoteStream)
	onClose  []func(error)
	closed   bool
	answers  atomic.Int32
}

func (c *Call) ID() string              { return c.id }
func (c *Call) Peer() string            { return c.peer }
func (c *Call) Metadata() peer.Metadata { return c.meta }

// Answers counts Answer calls on this side.
func (c *Call) Answers() int { return int(c.answers.Load()) }

func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Call) Answer(_ context.Context, local *media.Stream) error {
	c.answers.Add(1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("call closed")
	}
	c.local = local
	c.answered = true
	c.mu.Unlock()

	// Media flows both ways once the callee side answers.
	c.deliver(c.other.localStream())
	c.other.deliver(local)
	return nil
}

func (c *Call) localStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// deliver hands c the remote party's media.
func (c *Call) deliver(from *media.Stream) {
	rs := media.NewRemoteStream(c.peer)
	if from != nil {
		for _, t := range from.Tracks {
			rs.Add(media.NewRemoteTrack(t.Kind(), string(t.Kind()), "", nil))
		}
	}
	c.mu.Lock()
	if c.closed || c.remote != nil {
		c.mu.Unlock()
		return
	}
	c.remote = rs
	hooks := append([]func(*media.RemoteStream){}, c.onStream...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(rs)
	}
}

func (c *Call) OnStream(fn func(*media.RemoteStream)) {
	c.mu.Lock()
	rs := c.remote
	c.onStream = append(c.onStream, fn)
	c.mu.Unlock()
	if rs != nil {
		fn(rs)
	}
}

func (c *Call) OnClose(fn func(error)) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.onClose = append(c.onClose, fn)
	}
	c.mu.Unlock()
	if closed {
		fn(nil)
	}
}

func (c *Call) Close() error {
	c.closeSide(nil)
	c.other.closeSide(nil)
	return nil
}

// Fail closes both sides with err, as a broken link would.
func (c *Call) Fail(err error) {
	c.closeSide(err)
	c.other.closeSide(err)
}

func (c *Call) closeSide(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}
