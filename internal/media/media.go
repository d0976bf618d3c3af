// Package media owns local capture tracks and the handles for remote media
// received during a call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// ErrPermissionDenied is returned when local capture devices cannot be opened.
var ErrPermissionDenied = errors.New("media: capture device unavailable or denied")

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Source acquires local media for a call of the given kind: audio always,
// plus video for video calls.
type Source interface {
	Acquire(ctx context.Context, kind Kind) (*Stream, error)
}

// Track is one local capture track. Local is nil for tracks made by tests.
type Track struct {
	kind  Kind
	local webrtc.TrackLocal

	mu       sync.Mutex
	enabled  bool
	onToggle []func(enabled bool)

	stopOnce sync.Once
	stopFn   func()
	stopped  bool
}

// NewTrack wraps a local track. stop releases the underlying device and is
// called at most once.
func NewTrack(kind Kind, local webrtc.TrackLocal, stop func()) *Track {
	return &Track{kind: kind, local: local, enabled: true, stopFn: stop}
}

func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the track's enabled flag and notifies the transport so it
// can pause or resume sending.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	if t.enabled == on {
		t.mu.Unlock()
		return
	}
	t.enabled = on
	hooks := append([]func(bool){}, t.onToggle...)
	t.mu.Unlock()
	for _, fn := range hooks {
		fn(on)
	}
}

// OnToggle registers fn to run after every SetEnabled that changes state.
func (t *Track) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	t.onToggle = append(t.onToggle, fn)
	t.mu.Unlock()
}

// Stop releases the device. Safe to call repeatedly.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		if t.stopFn != nil {
			t.stopFn()
		}
	})
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is the local media of one call.
type Stream struct {
	ID     string
	Tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{ID: uuid.NewString(), Tracks: tracks}
}

func (s *Stream) track(kind Kind) *Track {
	for _, t := range s.Tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// AudioTrack returns the first audio track or nil.
func (s *Stream) AudioTrack() *Track { return s.track(Audio) }

// VideoTrack returns the first video track or nil.
func (s *Stream) VideoTrack() *Track { return s.track(Video) }

func (s *Stream) HasVideo() bool { return s.VideoTrack() != nil }

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// RemoteTrack is a track received from the other party.
type RemoteTrack struct {
	Kind  Kind
	ID    string
	Codec string
	read  func() (*rtp.Packet, error)
}

func NewRemoteTrack(kind Kind, id, codec string, read func() (*rtp.Packet, error)) *RemoteTrack {
	return &RemoteTrack{Kind: kind, ID: id, Codec: codec, read: read}
}

// ReadRTP blocks for the next packet of the track.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	if t.read == nil {
		return nil, errors.New("media: track has no reader")
	}
	return t.read()
}

// Drain reads packets until the track ends, passing each to fn (may be nil).
// It returns the number of packets read.
func (t *RemoteTrack) Drain(fn func(*rtp.Packet)) int {
	n := 0
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			return n
		}
		n++
		if fn != nil {
			fn(pkt)
		}
	}
}

// RemoteStream collects the tracks of one remote party. Tracks arrive one at
// a time as the transport reports them.
type RemoteStream struct {
	Peer string

	mu     sync.Mutex
	tracks []*RemoteTrack
	added  []func(*RemoteTrack)
}

func NewRemoteStream(peer string) *RemoteStream {
	return &RemoteStream{Peer: peer}
}

func (r *RemoteStream) Add(t *RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	hooks := append([]func(*RemoteTrack){}, r.added...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(t)
	}
}

// OnTrack runs fn for every track already present and every later one.
func (r *RemoteStream) OnTrack(fn func(*RemoteTrack)) {
	r.mu.Lock()
	existing := append([]*RemoteTrack{}, r.tracks...)
	r.added = append(r.added, fn)
	r.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
}

func (r *RemoteStream) Tracks() []*RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RemoteTrack{}, r.tracks...)
}

// KindOf maps a pion codec type to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}

// Config holds capture parameters.
type Config struct {
	VideoWidth   int
	VideoHeight  int
	VideoBitRate int
}
