package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
)

// session is one call attempt. Fields are guarded by Negotiator.mu except
// ending, which is the teardown guard.
type session struct {
	id         string
	direction  Direction
	peerUser   string
	peerHandle string
	peerName   string
	kind       media.Kind
	issuedAt   int64 // issued_at of the call intent

	ctx    context.Context
	cancel context.CancelFunc

	handoff   *handoff
	committed bool // incoming: own slot cleared, no longer cancellable by the ring

	local    *media.Stream
	remote   *media.RemoteStream
	calls    []peer.MediaCall
	active   peer.MediaCall
	onRemote func(*media.RemoteStream)

	muted     bool
	videoOff  bool
	startedAt time.Time

	ending atomic.Bool
}

// SessionInfo is a read-only snapshot of the current call.
type SessionInfo struct {
	ID           string        `json:"id"`
	State        State         `json:"state"`
	Direction    Direction     `json:"direction"`
	PeerUserID   string        `json:"peer_user_id"`
	PeerHandle   string        `json:"peer_handle,omitempty"`
	PeerName     string        `json:"peer_name,omitempty"`
	Kind         media.Kind    `json:"kind"`
	Muted        bool          `json:"muted"`
	VideoEnabled bool          `json:"video_enabled"`
	HasVideo     bool          `json:"has_video"`
	HasRemote    bool          `json:"has_remote"`
	Duration     time.Duration `json:"duration"`
}

// Info returns the current session snapshot, false when idle.
func (n *Negotiator) Info() (SessionInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sess
	if s == nil {
		return SessionInfo{State: n.state}, false
	}
	info := SessionInfo{
		ID:           s.id,
		State:        n.state,
		Direction:    s.direction,
		PeerUserID:   s.peerUser,
		PeerHandle:   s.peerHandle,
		PeerName:     s.peerName,
		Kind:         s.kind,
		Muted:        s.muted,
		HasRemote:    s.remote != nil,
		Duration:     n.durationLocked(),
	}
	if s.local != nil {
		info.HasVideo = s.local.HasVideo()
		info.VideoEnabled = info.HasVideo && !s.videoOff
	}
	return info, true
}

// ToggleMute flips the microphone and returns true when now muted.
func (n *Negotiator) ToggleMute() bool {
	n.mu.Lock()
	s := n.sess
	if s == nil {
		n.mu.Unlock()
		return false
	}
	s.muted = !s.muted
	muted := s.muted
	var track *media.Track
	if s.local != nil {
		track = s.local.AudioTrack()
	}
	n.mu.Unlock()

	if track != nil {
		track.SetEnabled(!muted)
	}
	log.Infof("call [%s]: audio muted=%v", short(s.id), muted)
	return muted
}

// ToggleVideo flips the camera and returns true when now disabled. Sessions
// without a video track are left alone and report false.
func (n *Negotiator) ToggleVideo() bool {
	n.mu.Lock()
	s := n.sess
	if s == nil || s.local == nil || s.local.VideoTrack() == nil {
		n.mu.Unlock()
		return false
	}
	s.videoOff = !s.videoOff
	off := s.videoOff
	track := s.local.VideoTrack()
	n.mu.Unlock()

	track.SetEnabled(!off)
	log.Infof("call [%s]: video disabled=%v", short(s.id), off)
	return off
}

// CurrentDuration is the time since the call became active, 0 before.
func (n *Negotiator) CurrentDuration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.durationLocked()
}

func (n *Negotiator) durationLocked() time.Duration {
	if n.sess == nil || n.state != Active || n.sess.startedAt.IsZero() {
		return 0
	}
	return n.clock.Since(n.sess.startedAt)
}

// EndCall hangs up the current call, ring included. Safe to call at any
// time and repeatedly.
func (n *Negotiator) EndCall() {
	n.mu.Lock()
	s := n.sess
	n.mu.Unlock()
	if s == nil {
		return
	}
	n.teardown(s, endOpts{clearSlot: true})
}

// Decline rejects the displayed ring.
func (n *Negotiator) Decline() error {
	n.mu.Lock()
	s := n.sess
	ok := s != nil && s.direction == Incoming && !s.committed
	n.mu.Unlock()
	if !ok {
		return ErrNoIncomingCall
	}
	log.Infof("call [%s]: declined ring from %s", short(s.id), s.peerUser)
	n.teardown(s, endOpts{clearSlot: true, declined: true})
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
