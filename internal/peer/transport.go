package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/media"
)

// ErrorKind classifies connection errors reported by a transport.
type ErrorKind string

const (
	// Another peer already owns the handle.
	KindUnavailableID ErrorKind = "unavailable-id"
	// The transport lost its network and cannot recover in place.
	KindNetwork ErrorKind = "network"
	// The remote handle is not reachable right now.
	KindPeerUnavailable ErrorKind = "peer-unavailable"
	// Anything the connection can recover from by reconnecting.
	KindTransient ErrorKind = "transient"
)

// Fatal reports whether the handle must be discarded.
func (k ErrorKind) Fatal() bool {
	return k == KindUnavailableID || k == KindNetwork
}

// Error is a classified transport error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err, KindTransient if unclassified.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

type EventType int

const (
	// EventCall carries an inbound media call.
	EventCall EventType = iota
	// EventDisconnected: the handle is still ours but the link is down.
	EventDisconnected
	// EventError carries a classified error.
	EventError
	// EventClosed: the connection is gone for good.
	EventClosed
)

type ConnEvent struct {
	Type EventType
	Call MediaCall
	Err  error
}

// Metadata travels with a media call offer.
type Metadata struct {
	CallerName string     `json:"caller_name"`
	Kind       media.Kind `json:"kind"`
	IsCallback bool       `json:"is_callback"`
	// IntentAt is the issued_at of the call intent this call belongs to,
	// zero when unknown.
	IntentAt int64 `json:"intent_at,omitempty"`
}

// Transport opens connections registered under a peer handle.
type Transport interface {
	// Open returns once the handle is registered and reachable.
	Open(ctx context.Context, handle string) (Connection, error)
}

// Connection is one live registration of a handle.
type Connection interface {
	Handle() string
	// Events is closed when the connection is closed.
	Events() <-chan ConnEvent
	Call(ctx context.Context, remoteHandle string, local *media.Stream, meta Metadata) (MediaCall, error)
	// Reconnect re-attaches after EventDisconnected, keeping the handle.
	Reconnect(ctx context.Context) error
	Close() error
}

// MediaCall is one media session with a remote handle, either placed by us
// or received.
type MediaCall interface {
	ID() string
	// Peer is the remote handle.
	Peer() string
	Metadata() Metadata
	// Answer accepts an inbound call with our local media.
	Answer(ctx context.Context, local *media.Stream) error
	// OnStream fires once with the remote stream when media flows. Handlers
	// registered after that fire immediately.
	OnStream(fn func(*media.RemoteStream))
	// OnClose fires once when either side closes or the link fails.
	OnClose(fn func(err error))
	Close() error
}
