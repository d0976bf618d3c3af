// Package call runs the caller/callee handshake over the slow signal channel
// and the peer transport, and owns the single live call session.
//
// The caller posts an intent to the callee's slot and places a media call.
// The callee rings on the intent, and on answer waits briefly for that media
// call; if it has not arrived the callee dials back instead. Whichever of
// the two gets to the pending-call handoff first wins.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

const (
	DefaultCallbackTimeout = 5 * time.Second
	DefaultRingTimeout     = 60 * time.Second
	DefaultHistorySize     = 64
)

// Identity is the peer handle owner.
type Identity interface {
	AcquireHandle(ctx context.Context) (string, error)
	Connection() peer.Connection
	Incoming() <-chan peer.MediaCall
}

// Directory resolves users to peer handles.
type Directory interface {
	LookupHandle(ctx context.Context, userID string) (string, error)
}

// Signals is the call-intent channel.
type Signals interface {
	PostIntent(ctx context.Context, target string, in signal.Intent) error
	Observe(ctx context.Context, self string) (<-chan signal.Notice, error)
	Actionable(in signal.Intent) bool
	ClearIntentFrom(ctx context.Context, user, sender string)
}

type Options struct {
	UserID      string
	DisplayName string
	// How long an answering callee waits for the caller's media call
	// before dialing back.
	CallbackTimeout time.Duration
	// Queued inbound calls with no matching ring are dropped after this.
	RingTimeout time.Duration
	HistorySize int
	Clock       clock.Clock
}

// CallRequest starts an outgoing call.
type CallRequest struct {
	TargetUserID string
	// TargetHandle skips the directory lookup when set.
	TargetHandle string
	Kind         media.Kind
}

// refusal remembers a declined ring so the caller's in-flight media call
// for that intent is turned away.
type refusal struct {
	intentAt int64
	at       time.Time
}

// Negotiator is the call state machine. At most one session exists at a time.
type Negotiator struct {
	opt   Options
	ident Identity
	dir   Directory
	sig   Signals
	src   media.Source
	clock clock.Clock

	mu      sync.Mutex
	state   State
	sess    *session
	pending map[string]*handoff // inbound calls queued before their ring, by remote handle
	refused map[string]refusal  // declined rings, by caller handle
	lastErr *Failure

	subMu        sync.Mutex
	subs         map[chan Event]struct{}
	ringHandlers []func(Ring)

	history *util.RingBuffer[Transition]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNegotiator(ident Identity, dir Directory, sig Signals, src media.Source, opt Options) *Negotiator {
	if opt.CallbackTimeout <= 0 {
		opt.CallbackTimeout = DefaultCallbackTimeout
	}
	if opt.RingTimeout <= 0 {
		opt.RingTimeout = DefaultRingTimeout
	}
	if opt.HistorySize <= 0 {
		opt.HistorySize = DefaultHistorySize
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.DisplayName == "" {
		opt.DisplayName = opt.UserID
	}
	return &Negotiator{
		opt:     opt,
		ident:   ident,
		dir:     dir,
		sig:     sig,
		src:     src,
		clock:   opt.Clock,
		pending: make(map[string]*handoff),
		refused: make(map[string]refusal),
		subs:    make(map[chan Event]struct{}),
		history: util.NewRingBuffer[Transition](opt.HistorySize),
	}
}

// Start observes the own intent slot and the identity's inbound calls until
// Close.
func (n *Negotiator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	notices, err := n.sig.Observe(ctx, n.opt.UserID)
	if err != nil {
		cancel()
		return fmt.Errorf("observe call slot: %w", err)
	}
	n.ctx, n.cancel = ctx, cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		for nt := range notices {
			n.onNotice(nt)
		}
	}()
	go func() {
		defer n.wg.Done()
		in := n.ident.Incoming()
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-in:
				n.onInbound(c)
			}
		}
	}()
	log.Infof("call negotiator started for %s", n.opt.UserID)
	return nil
}

// Close ends any call and stops the loops.
func (n *Negotiator) Close() {
	n.EndCall()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	pending := n.pending
	n.pending = make(map[string]*handoff)
	n.mu.Unlock()
	for _, h := range pending {
		if c := h.inbound(); c != nil {
			c.Close()
		}
	}
}

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// LastFailure returns the failure that put the negotiator in Failed.
func (n *Negotiator) LastFailure() *Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// setStateLocked records and publishes a transition. n.mu must be held.
func (n *Negotiator) setStateLocked(s *session, to State, reason Reason) {
	from := n.state
	if from == to {
		return
	}
	n.state = to
	id := ""
	if s != nil {
		id = s.id
	}
	now := n.clock.Now()
	n.history.Push(Transition{SessionID: id, From: from, To: to, Reason: reason, At: now})
	log.Debugf("call [%s]: %s -> %s", short(id), from, to)
	n.publish(Event{Type: EventState, SessionID: id, State: to, Reason: reason, At: now})
}

// advance moves s to state to if s is still the live session.
func (n *Negotiator) advance(s *session, to State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess != s || s.ending.Load() {
		return ErrEnded
	}
	n.setStateLocked(s, to, "")
	return nil
}

func (n *Negotiator) newSession(dir Direction, peerUser string, kind media.Kind) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        uuid.NewString(),
		direction: dir,
		peerUser:  peerUser,
		kind:      kind,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// adoptHandoffLocked gives s its handoff. A call queued from the peer's
// handle is taken over when it was placed for the same intent; otherwise
// it stays queued for a later ring.
func (n *Negotiator) adoptHandoffLocked(s *session) {
	if h := n.pending[s.peerHandle]; h != nil {
		if c := h.inbound(); c != nil && belongs(s, c) {
			delete(n.pending, s.peerHandle)
			s.handoff = h
			return
		}
	}
	s.handoff = newHandoff(n.clock.Now())
}

// belongs reports whether mc was placed for the intent of s. Calls without
// an intent stamp match any session for their handle.
func belongs(s *session, mc peer.MediaCall) bool {
	at := mc.Metadata().IntentAt
	return at == 0 || s.issuedAt == 0 || at == s.issuedAt
}

// queueLocked parks an inbound call until a ring for it is answered. Of two
// calls from one handle the one for the newer intent is kept.
func (n *Negotiator) queueLocked(mc peer.MediaCall) (dropped peer.MediaCall) {
	if h := n.pending[mc.Peer()]; h != nil {
		if old := h.inbound(); old != nil && old != mc {
			if old.Metadata().IntentAt > mc.Metadata().IntentAt {
				return mc
			}
			dropped = old
		}
	}
	h := newHandoff(n.clock.Now())
	h.offer(mc)
	n.pending[mc.Peer()] = h
	return dropped
}

// StartOutgoingCall dials req.TargetUserID. It returns once the media call
// is placed (Negotiating); the call becomes Active when remote media flows.
func (n *Negotiator) StartOutgoingCall(ctx context.Context, req CallRequest, onRemote func(*media.RemoteStream)) error {
	if req.Kind == "" {
		req.Kind = media.Audio
	}
	n.mu.Lock()
	if n.sess != nil || !n.state.idle() {
		n.mu.Unlock()
		return ErrBusy
	}
	s := n.newSession(Outgoing, req.TargetUserID, req.Kind)
	s.onRemote = onRemote
	n.sess = s
	n.lastErr = nil
	n.setStateLocked(s, Dialing, "")
	n.mu.Unlock()
	log.Infof("call [%s]: dialing %s (%s)", short(s.id), req.TargetUserID, req.Kind)

	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()

	ownHandle, err := n.ident.AcquireHandle(ctx)
	if err != nil {
		return n.failStep(s, identityFailure(err))
	}

	calleeHandle := req.TargetHandle
	if calleeHandle == "" {
		if calleeHandle, err = n.dir.LookupHandle(ctx, req.TargetUserID); err != nil {
			return n.failStep(s, fail(ReasonLookupFailed, fmt.Errorf("%w: %v", ErrLookupFailed, err)))
		}
	}
	intent := signal.NewIntent(n.opt.UserID, n.opt.DisplayName, ownHandle, req.Kind, n.clock.Now())
	n.mu.Lock()
	if n.sess != s || s.ending.Load() {
		n.mu.Unlock()
		return ErrEnded
	}
	s.peerHandle = calleeHandle
	s.issuedAt = intent.IssuedAt
	n.adoptHandoffLocked(s)
	n.mu.Unlock()

	if err := n.sig.PostIntent(ctx, req.TargetUserID, intent); err != nil {
		// The media call may still reach a callee that is online.
		log.Warnf("call [%s]: %v", short(s.id), err)
	}

	if err := n.advance(s, AwaitingMedia); err != nil {
		return err
	}
	local, err := n.src.Acquire(ctx, req.Kind)
	if err != nil {
		return n.failStep(s, fail(ReasonPermissionDenied, err))
	}
	if err := n.setLocal(s, local); err != nil {
		return err
	}

	// The callee's dial-back may already be waiting.
	if early := s.handoff.inbound(); early != nil {
		log.Infof("call [%s]: callee dialed back before our call, answering", short(s.id))
		return n.answerDialBack(s, early)
	}

	conn := n.ident.Connection()
	if conn == nil {
		return n.failStep(s, fail(ReasonTransport, errors.New("no live peer connection")))
	}
	mc, err := conn.Call(ctx, calleeHandle, local, peer.Metadata{
		CallerName: n.opt.DisplayName,
		Kind:       req.Kind,
		IntentAt:   intent.IssuedAt,
	})
	if err != nil {
		return n.failStep(s, fail(ReasonTransport, err))
	}
	n.mu.Lock()
	dialedBack := s.active != nil
	n.mu.Unlock()
	if dialedBack {
		log.Infof("call [%s]: callee dialed back while placing, dropping %s", short(s.id), short(mc.ID()))
		mc.Close()
		return nil
	}
	if err := n.attach(s, mc); err != nil {
		return err
	}
	log.Infof("call [%s]: media call %s placed to %s", short(s.id), short(mc.ID()), calleeHandle)
	return nil
}

// AnswerIncomingCall commits to the displayed ring. callerHandle may be
// empty to answer whatever is ringing.
func (n *Negotiator) AnswerIncomingCall(ctx context.Context, callerHandle string, kind media.Kind, onRemote func(*media.RemoteStream)) error {
	n.mu.Lock()
	s := n.sess
	if s == nil || s.direction != Incoming || s.committed || s.ending.Load() ||
		(callerHandle != "" && callerHandle != s.peerHandle) {
		n.mu.Unlock()
		return ErrNoIncomingCall
	}
	if kind != "" {
		s.kind = kind
	}
	kind = s.kind
	s.onRemote = onRemote
	n.mu.Unlock()
	log.Infof("call [%s]: answering %s (%s)", short(s.id), s.peerUser, kind)

	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()

	if _, err := n.ident.AcquireHandle(ctx); err != nil {
		return n.failStep(s, identityFailure(err))
	}
	local, err := n.src.Acquire(ctx, kind)
	if err != nil {
		return n.failStep(s, fail(ReasonPermissionDenied, err))
	}
	if err := n.setLocal(s, local); err != nil {
		return err
	}

	// Commit: from here the ring can no longer be withdrawn.
	n.mu.Lock()
	if n.sess != s || s.ending.Load() {
		n.mu.Unlock()
		return ErrEnded
	}
	s.committed = true
	h := s.handoff
	n.mu.Unlock()
	n.sig.ClearIntentFrom(ctx, n.opt.UserID, s.peerUser)

	mc, dialedBack, err := n.awaitMediaCall(ctx, s, h, local)
	if err != nil {
		return err
	}
	if !dialedBack {
		if err := mc.Answer(ctx, local); err != nil {
			mc.Close()
			return n.failStep(s, fail(ReasonTransport, err))
		}
	}
	if err := n.attach(s, mc); err != nil {
		return err
	}
	log.Infof("call [%s]: media call %s with %s (dial-back=%v)", short(s.id), short(mc.ID()), s.peerHandle, dialedBack)
	return nil
}

// awaitMediaCall takes the caller's media call from the handoff, waiting up
// to CallbackTimeout. On timeout it claims the handoff and dials back.
func (n *Negotiator) awaitMediaCall(ctx context.Context, s *session, h *handoff, local *media.Stream) (peer.MediaCall, bool, error) {
	timer := n.clock.Timer(n.opt.CallbackTimeout)
	defer timer.Stop()

	select {
	case <-h.ready:
	case <-timer.C:
	case <-ctx.Done():
		if s.ending.Load() {
			return nil, false, ErrEnded
		}
		return nil, false, n.failStep(s, fail(ReasonTransport, ctx.Err()))
	}

	if c := h.inbound(); c != nil {
		return c, false, nil
	}
	if !h.claim() {
		// An inbound call won the race between the timer and claim.
		<-h.ready
		if c := h.inbound(); c != nil {
			return c, false, nil
		}
	}

	log.Infof("call [%s]: %v from %s, dialing back", short(s.id), ErrNoAnswer, s.peerHandle)
	conn := n.ident.Connection()
	if conn == nil {
		return nil, false, n.failStep(s, fail(ReasonCallbackFailed, fmt.Errorf("%w: no live peer connection", ErrCallbackFailed)))
	}
	mc, err := conn.Call(ctx, s.peerHandle, local, peer.Metadata{
		CallerName: n.opt.DisplayName,
		Kind:       s.kind,
		IsCallback: true,
		IntentAt:   s.issuedAt,
	})
	if err != nil {
		return nil, false, n.failStep(s, fail(ReasonCallbackFailed, fmt.Errorf("%w: %v", ErrCallbackFailed, err)))
	}
	return mc, true, nil
}

// setLocal hands acquired media to s, or stops it if s already ended.
func (n *Negotiator) setLocal(s *session, local *media.Stream) error {
	n.mu.Lock()
	if n.sess != s || s.ending.Load() {
		n.mu.Unlock()
		local.Stop()
		return ErrEnded
	}
	s.local = local
	if a := local.AudioTrack(); a != nil && s.muted {
		a.SetEnabled(false)
	}
	n.mu.Unlock()
	return nil
}

// attach makes mc the session's live media call and moves to Negotiating.
func (n *Negotiator) attach(s *session, mc peer.MediaCall) error {
	n.mu.Lock()
	if n.sess != s || s.ending.Load() {
		n.mu.Unlock()
		mc.Close()
		return ErrEnded
	}
	prev := s.active
	s.active = mc
	s.calls = append(s.calls, mc)
	if n.state != Active {
		n.setStateLocked(s, Negotiating, "")
	}
	n.mu.Unlock()

	if prev != nil && prev != mc {
		log.Infof("call [%s]: media call %s replaced by %s", short(s.id), short(prev.ID()), short(mc.ID()))
		prev.Close()
	}
	mc.OnStream(func(rs *media.RemoteStream) { n.onRemoteStream(s, mc, rs) })
	mc.OnClose(func(err error) { n.onMediaClosed(s, mc, err) })
	return nil
}

// answerDialBack answers the callee's dial-back with our local media.
func (n *Negotiator) answerDialBack(s *session, mc peer.MediaCall) error {
	n.mu.Lock()
	local := s.local
	ok := n.sess == s && !s.ending.Load() && n.state != Active
	n.mu.Unlock()
	if !ok || local == nil {
		mc.Close()
		return ErrEnded
	}
	if err := mc.Answer(s.ctx, local); err != nil {
		mc.Close()
		return n.failStep(s, fail(ReasonTransport, err))
	}
	return n.attach(s, mc)
}

func (n *Negotiator) onRemoteStream(s *session, mc peer.MediaCall, rs *media.RemoteStream) {
	n.mu.Lock()
	if n.sess != s || s.ending.Load() || s.active != mc {
		n.mu.Unlock()
		return
	}
	s.remote = rs
	if n.state != Active {
		s.startedAt = n.clock.Now()
		n.setStateLocked(s, Active, "")
	}
	cb := s.onRemote
	n.mu.Unlock()

	log.Infof("call [%s]: remote media from %s (%d tracks)", short(s.id), rs.Peer, len(rs.Tracks()))
	n.publish(Event{Type: EventRemoteStream, SessionID: s.id, State: Active})
	if cb != nil {
		cb(rs)
	}
}

// onMediaClosed ends the session when its live media call closes. An
// outgoing call closed before media flowed may be a callee that dialed back
// instead; that dial-back gets twice the callback timeout to arrive, which
// covers the callee's own wait before it dials.
func (n *Negotiator) onMediaClosed(s *session, mc peer.MediaCall, err error) {
	n.mu.Lock()
	live := n.sess == s && !s.ending.Load() && s.active == mc
	pendingOutgoing := s.direction == Outgoing && n.state != Active
	n.mu.Unlock()
	if !live {
		return
	}

	if err == nil && pendingOutgoing {
		log.Infof("call [%s]: media call %s closed before answer, waiting for dial-back", short(s.id), short(mc.ID()))
		go func() {
			select {
			case <-n.clock.After(2 * n.opt.CallbackTimeout):
			case <-s.ctx.Done():
				return
			}
			n.mu.Lock()
			still := n.sess == s && s.active == mc
			n.mu.Unlock()
			if still {
				n.teardown(s, endOpts{clearSlot: true})
			}
		}()
		return
	}

	if err != nil {
		n.teardown(s, endOpts{clearSlot: true, failure: fail(ReasonTransport, err)})
		return
	}
	log.Infof("call [%s]: remote hung up", short(s.id))
	n.teardown(s, endOpts{clearSlot: true})
}

// onNotice handles a change of our own intent slot.
func (n *Negotiator) onNotice(nt signal.Notice) {
	actionable := nt.Present && n.sig.Actionable(nt.Intent)

	n.mu.Lock()
	s := n.sess
	ringing := s != nil && s.direction == Incoming && !s.committed && !s.ending.Load()
	same := ringing && nt.Present && nt.Intent.From == s.peerUser && nt.Intent.IssuedAt == s.issuedAt
	n.mu.Unlock()

	if same {
		return
	}
	if ringing {
		// The slot was cleared or replaced before we committed.
		log.Infof("call [%s]: ring from %s withdrawn", short(s.id), s.peerUser)
		n.teardown(s, endOpts{ringCancelled: true})
	}
	if !actionable {
		if nt.Present {
			log.Debugf("ignoring %s intent from %s", nt.Intent.Status, nt.Intent.From)
		}
		return
	}
	n.ring(nt.Intent)
}

// ring opens an incoming session for in and notifies listeners.
func (n *Negotiator) ring(in signal.Intent) {
	n.mu.Lock()
	if n.sess != nil || !n.state.idle() {
		n.mu.Unlock()
		log.Infof("busy, dropping ring from %s", in.From)
		return
	}
	kind := in.Kind
	if kind == "" {
		kind = media.Audio
	}
	s := n.newSession(Incoming, in.From, kind)
	s.peerHandle = in.CallerHandle
	s.peerName = in.CallerName
	s.issuedAt = in.IssuedAt
	n.sess = s
	n.lastErr = nil
	delete(n.refused, s.peerHandle)
	n.adoptHandoffLocked(s)
	n.setStateLocked(s, AwaitingMedia, "")
	n.mu.Unlock()

	r := Ring{CallerID: in.From, CallerName: in.CallerName, CallerHandle: in.CallerHandle, Kind: kind}
	log.Infof("call [%s]: ring from %s (%s)", short(s.id), in.From, kind)
	n.publish(Event{Type: EventRing, SessionID: s.id, State: AwaitingMedia, Ring: &r})
	n.fireRing(r)
}

// onInbound routes an inbound media call: to the ringing session's handoff,
// as the callee's dial-back of our outgoing call, or into the queue.
func (n *Negotiator) onInbound(mc peer.MediaCall) {
	if mc == nil {
		return
	}
	n.mu.Lock()
	n.pruneLocked()
	s := n.sess
	if s != nil && s.ending.Load() {
		s = nil
	}

	if s != nil && s.peerHandle == mc.Peer() && !belongs(s, mc) {
		newer := s.direction == Incoming && mc.Metadata().IntentAt > s.issuedAt
		var dropped peer.MediaCall
		if newer {
			dropped = n.queueLocked(mc)
		}
		n.mu.Unlock()
		if !newer {
			log.Infof("call [%s]: closing media call %s for an older intent", short(s.id), short(mc.ID()))
			mc.Close()
			return
		}
		if dropped != nil {
			dropped.Close()
		}
		if dropped != mc {
			log.Infof("queued media call %s from %s for a later ring", short(mc.ID()), mc.Peer())
		}
		return
	}

	if s != nil && s.peerHandle == mc.Peer() {
		h := s.handoff
		dialBack := s.direction == Outgoing && s.local != nil && n.state != Active
		lateForOutgoing := s.direction == Outgoing && n.state == Active
		n.mu.Unlock()

		switch {
		case lateForOutgoing:
			log.Infof("call [%s]: ignoring extra media call from %s", short(s.id), mc.Peer())
			mc.Close()
		case dialBack:
			log.Infof("call [%s]: auto-answering dial-back %s", short(s.id), short(mc.ID()))
			if err := n.answerDialBack(s, mc); err != nil && !errors.Is(err, ErrEnded) {
				log.Warnf("call [%s]: answer dial-back: %v", short(s.id), err)
			}
		default:
			if !h.offer(mc) {
				log.Infof("call [%s]: late media call %s from %s discarded", short(s.id), short(mc.ID()), mc.Peer())
				mc.Close()
				return
			}
			if s.ending.Load() {
				mc.Close()
			}
		}
		return
	}

	if s != nil && s.peerHandle != "" {
		n.mu.Unlock()
		log.Infof("busy, rejecting media call from %s", mc.Peer())
		mc.Close()
		return
	}

	if r, ok := n.refused[mc.Peer()]; ok {
		if at := mc.Metadata().IntentAt; at == 0 || at == r.intentAt {
			n.mu.Unlock()
			log.Infof("closing media call from %s, its ring was declined", mc.Peer())
			mc.Close()
			return
		}
	}

	// No session for this peer yet: queue until its ring is answered.
	dropped := n.queueLocked(mc)
	n.mu.Unlock()
	if dropped != nil {
		dropped.Close()
	}
	if dropped == mc {
		log.Infof("dropped media call %s from %s, a newer one is queued", short(mc.ID()), mc.Peer())
		return
	}
	log.Infof("queued media call %s from %s (%s)", short(mc.ID()), mc.Peer(), mc.Metadata().CallerName)
}

// pruneLocked drops queued inbound calls nobody rang for.
func (n *Negotiator) pruneLocked() {
	now := n.clock.Now()
	for k, r := range n.refused {
		if now.Sub(r.at) >= n.opt.RingTimeout {
			delete(n.refused, k)
		}
	}
	for k, h := range n.pending {
		if now.Sub(h.created) >= n.opt.RingTimeout {
			delete(n.pending, k)
			if c := h.inbound(); c != nil {
				go c.Close()
			}
		}
	}
}

type endOpts struct {
	failure       *Failure
	clearSlot     bool
	ringCancelled bool // the slot changed under an uncommitted ring
	declined      bool
}

// failStep ends s with f and returns f for the caller of the step. If s was
// already ending the step just reports ErrEnded.
func (n *Negotiator) failStep(s *session, f *Failure) error {
	if s.ending.Load() {
		return ErrEnded
	}
	log.Warnf("call [%s]: %v", short(s.id), f)
	if !n.teardown(s, endOpts{failure: f, clearSlot: true}) {
		return ErrEnded
	}
	return f
}

// teardown ends s exactly once: close media calls, stop local tracks, clear
// the intent slot and drop the session. It reports whether this call did
// the work.
func (n *Negotiator) teardown(s *session, o endOpts) bool {
	if !s.ending.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()

	n.mu.Lock()
	n.setStateLocked(s, Ending, "")
	calls := append([]peer.MediaCall{}, s.calls...)
	local := s.local
	h := s.handoff
	if o.declined && s.peerHandle != "" {
		// The caller's media call may still be in flight.
		n.refused[s.peerHandle] = refusal{intentAt: s.issuedAt, at: n.clock.Now()}
	}
	n.mu.Unlock()

	if h != nil {
		if c := h.inbound(); c != nil {
			calls = append(calls, c)
		}
	}
	seen := make(map[peer.MediaCall]bool, len(calls))
	for _, c := range calls {
		if !seen[c] {
			seen[c] = true
			c.Close()
		}
	}
	if local != nil {
		local.Stop()
	}

	if o.clearSlot {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultResolveTimeout)
		switch s.direction {
		case Outgoing:
			n.sig.ClearIntentFrom(ctx, s.peerUser, n.opt.UserID)
		case Incoming:
			n.sig.ClearIntentFrom(ctx, n.opt.UserID, s.peerUser)
		}
		cancel()
	}

	n.mu.Lock()
	if n.sess == s {
		n.sess = nil
	}
	to, reason := Idle, Reason("")
	if o.failure != nil {
		to, reason = Failed, o.failure.Reason
		n.lastErr = o.failure
	}
	n.setStateLocked(s, to, reason)
	n.mu.Unlock()

	switch {
	case o.failure != nil:
		n.publish(Event{Type: EventFailed, SessionID: s.id, State: Failed, Reason: o.failure.Reason, Error: o.failure.Error()})
	case o.ringCancelled:
		n.publish(Event{Type: EventRingCancelled, SessionID: s.id, State: Idle})
	default:
		n.publish(Event{Type: EventEnded, SessionID: s.id, State: Idle})
	}
	log.Infof("call [%s]: ended (%s)", short(s.id), to)
	return true
}

// HandleIdentityLost fails the current call after the peer handle was lost
// for good.
func (n *Negotiator) HandleIdentityLost(err error) {
	n.mu.Lock()
	s := n.sess
	n.mu.Unlock()
	if s == nil {
		return
	}
	n.teardown(s, endOpts{clearSlot: true, failure: fail(ReasonIdentityFatal, err)})
}

func identityFailure(err error) *Failure {
	if errors.Is(err, peer.ErrIdentityFatal) {
		return fail(ReasonIdentityFatal, err)
	}
	if errors.Is(err, peer.ErrIdentityTimeout) {
		return fail(ReasonIdentityTimeout, err)
	}
	return fail(ReasonIdentityTimeout, fmt.Errorf("%w: %v", peer.ErrIdentityTimeout, err))
}

// mergeCancel returns a context that ends when either parent does.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
