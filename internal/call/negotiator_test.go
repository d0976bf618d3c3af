package call_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/peer/peertest"
	"github.com/petervdpas/goopcall/internal/profile"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
)

const callbackTimeout = 150 * time.Millisecond

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeSource struct {
	stops atomic.Int32
	fail  error
}

func (f *fakeSource) Acquire(_ context.Context, kind media.Kind) (*media.Stream, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	stop := func() { f.stops.Add(1) }
	tracks := []*media.Track{media.NewTrack(media.Audio, nil, stop)}
	if kind == media.Video {
		tracks = append(tracks, media.NewTrack(media.Video, nil, stop))
	}
	return media.NewStream(tracks...), nil
}

// countingSignals counts slot clears and can hold back slot notices to
// model a store that delivers late.
type countingSignals struct {
	*signal.Channel
	clears atomic.Int32

	mu      sync.Mutex
	holding bool
	held    []signal.Notice
	out     chan signal.Notice
}

func (c *countingSignals) Observe(ctx context.Context, self string) (<-chan signal.Notice, error) {
	in, err := c.Channel.Observe(ctx, self)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.out = make(chan signal.Notice, 16)
	out := c.out
	c.mu.Unlock()
	go func() {
		defer close(out)
		for nt := range in {
			c.mu.Lock()
			if c.holding {
				c.held = append(c.held, nt)
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			out <- nt
		}
	}()
	return out, nil
}

func (c *countingSignals) hold() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// release delivers the held notices in order and stops holding.
func (c *countingSignals) release() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.held)
	for _, nt := range c.held {
		c.out <- nt
	}
	c.held = nil
	c.holding = false
	return n
}

func (c *countingSignals) heldCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

func (c *countingSignals) ClearIntentFrom(ctx context.Context, user, sender string) {
	c.clears.Add(1)
	c.Channel.ClearIntentFrom(ctx, user, sender)
}

type world struct {
	store storage.Store
	net   *peertest.Network
	dir   *profile.Directory
	sig   *signal.Channel
}

func newWorld() *world {
	store := storage.NewMemory()
	return &world{
		store: store,
		net:   peertest.NewNetwork(),
		dir:   profile.NewDirectory(store),
		sig:   signal.NewChannel(store, time.Minute, nil),
	}
}

type party struct {
	user   string
	handle string
	n      *call.Negotiator
	mgr    *peer.Manager
	src    *fakeSource
	sig    *countingSignals
	rings  chan call.Ring
	events <-chan call.Event
}

func (w *world) join(t *testing.T, user string) *party {
	t.Helper()
	ctx := context.Background()
	p := &party{
		user:  user,
		mgr:   peer.NewManager(user, w.net, w.dir, peer.Options{}),
		src:   &fakeSource{},
		sig:   &countingSignals{Channel: w.sig},
		rings: make(chan call.Ring, 4),
	}
	p.n = call.NewNegotiator(p.mgr, w.dir, p.sig, p.src, call.Options{
		UserID:          user,
		DisplayName:     user,
		CallbackTimeout: callbackTimeout,
	})
	p.n.OnIncoming(func(r call.Ring) { p.rings <- r })
	var unsub func()
	p.events, unsub = p.n.Subscribe()

	if err := p.n.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", user, err)
	}
	h, err := p.mgr.AcquireHandle(ctx)
	if err != nil {
		t.Fatalf("acquire %s: %v", user, err)
	}
	p.handle = h
	t.Cleanup(func() {
		p.n.Close()
		unsub()
		p.mgr.Close(context.Background())
	})
	return p
}

func (p *party) waitRing(t *testing.T) call.Ring {
	t.Helper()
	select {
	case r := <-p.rings:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("%s never rang", p.user)
	}
	return call.Ring{}
}

func (p *party) waitState(t *testing.T, s call.State) {
	t.Helper()
	waitFor(t, p.user+" "+s.String(), func() bool { return p.n.State() == s })
}

func (p *party) waitEvent(t *testing.T, typ call.EventType) call.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: no %s event", p.user, typ)
		}
	}
}

func connect(t *testing.T, alice, bob *party, kind media.Kind) {
	t.Helper()
	ctx := context.Background()
	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: bob.user, Kind: kind}, nil); err != nil {
		t.Fatalf("StartOutgoingCall: %v", err)
	}
	bob.waitRing(t)
	if err := bob.n.AnswerIncomingCall(ctx, alice.handle, "", nil); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	alice.waitState(t, call.Active)
	bob.waitState(t, call.Active)
}

func TestCallConnects(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")

	ctx := context.Background()
	var remote atomic.Int32
	err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob", Kind: media.Video},
		func(*media.RemoteStream) { remote.Add(1) })
	if err != nil {
		t.Fatalf("StartOutgoingCall: %v", err)
	}

	r := bob.waitRing(t)
	if r.CallerID != "alice" || r.CallerHandle != alice.handle || r.Kind != media.Video {
		t.Fatalf("ring = %+v", r)
	}
	if err := bob.n.AnswerIncomingCall(ctx, r.CallerHandle, media.Video, nil); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	alice.waitState(t, call.Active)
	bob.waitState(t, call.Active)

	if remote.Load() != 1 {
		t.Errorf("alice remote stream callbacks = %d, want 1", remote.Load())
	}
	if placed := w.net.Conn(bob.handle).Placed(); len(placed) != 0 {
		t.Errorf("bob dialed back %d times on a prompt call", len(placed))
	}
	if _, ok := w.sig.Read(ctx, "bob"); ok {
		t.Error("bob's slot still holds the intent after answer")
	}
	info, ok := bob.n.Info()
	if !ok || info.Direction != call.Incoming || info.PeerUserID != "alice" || !info.HasVideo || !info.HasRemote {
		t.Errorf("bob info = %+v", info)
	}
}

func TestHangUpEndsBothSides(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	connect(t, alice, bob, media.Audio)

	alice.n.EndCall()
	alice.waitEvent(t, call.EventEnded)
	bob.waitEvent(t, call.EventEnded)
	alice.waitState(t, call.Idle)
	bob.waitState(t, call.Idle)

	if alice.src.stops.Load() != 1 || bob.src.stops.Load() != 1 {
		t.Errorf("track stops alice=%d bob=%d, want 1 each", alice.src.stops.Load(), bob.src.stops.Load())
	}
}

func TestEndCallIdempotent(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	connect(t, alice, bob, media.Video)
	clearsBefore := alice.sig.clears.Load()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alice.n.EndCall()
		}()
	}
	wg.Wait()
	alice.n.EndCall()

	alice.waitState(t, call.Idle)
	if got := alice.src.stops.Load(); got != 2 {
		t.Errorf("track stops = %d, want 2 (audio+video once each)", got)
	}
	if got := alice.sig.clears.Load() - clearsBefore; got != 1 {
		t.Errorf("slot clears = %d, want 1", got)
	}

	ended := 0
	for _, tr := range alice.n.History() {
		if tr.To == call.Ending {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("history has %d Ending transitions, want 1", ended)
	}
}

func TestDialBackWhenCallerCallIsLate(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	w.net.SetCallHook(func(from, _ string, meta peer.Metadata) error {
		if from == alice.handle && !meta.IsCallback {
			<-release
		}
		return nil
	})

	ctx := context.Background()
	errc := make(chan error, 1)
	go func() {
		errc <- alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob", Kind: media.Audio}, nil)
	}()
	bob.waitRing(t)
	if err := bob.n.AnswerIncomingCall(ctx, "", "", nil); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	bob.waitState(t, call.Active)
	alice.waitState(t, call.Active)

	placed := w.net.Conn(bob.handle).Placed()
	if len(placed) != 1 {
		t.Fatalf("bob placed %d calls, want 1 dial-back", len(placed))
	}
	if !placed[0].Metadata().IsCallback {
		t.Error("dial-back not flagged IsCallback")
	}
	if placed[0].Closed() {
		t.Error("dial-back call closed")
	}

	// The caller's own call completes late and must not replace the dial-back.
	release <- struct{}{}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("StartOutgoingCall: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartOutgoingCall did not return")
	}
	time.Sleep(2 * callbackTimeout)
	if alice.n.State() != call.Active || bob.n.State() != call.Active {
		t.Fatalf("states alice=%s bob=%s, want active", alice.n.State(), bob.n.State())
	}
	if placed[0].Closed() {
		t.Error("late caller call tore down the dial-back")
	}
}

func TestDialBackFailure(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var callbacks atomic.Int32
	w.net.SetCallHook(func(from, _ string, meta peer.Metadata) error {
		if meta.IsCallback {
			callbacks.Add(1)
			return &peer.Error{Kind: peer.KindPeerUnavailable, Err: errors.New("unreachable")}
		}
		if from == alice.handle {
			<-release
		}
		return nil
	})

	ctx := context.Background()
	go alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil)
	bob.waitRing(t)

	err := bob.n.AnswerIncomingCall(ctx, "", "", nil)
	if !errors.Is(err, call.ErrCallbackFailed) {
		t.Fatalf("err = %v, want ErrCallbackFailed", err)
	}
	var f *call.Failure
	if !errors.As(err, &f) || f.Reason != call.ReasonCallbackFailed {
		t.Fatalf("failure = %#v", err)
	}
	bob.waitState(t, call.Failed)
	if callbacks.Load() != 1 {
		t.Errorf("dial-back attempts = %d, want 1", callbacks.Load())
	}
	if bob.src.stops.Load() != 1 {
		t.Errorf("bob track stops = %d, want 1", bob.src.stops.Load())
	}
	if got := bob.n.LastFailure(); got == nil || got.Reason != call.ReasonCallbackFailed {
		t.Errorf("LastFailure = %v", got)
	}
}

func TestEarlyInboundCallIsQueued(t *testing.T) {
	w := newWorld()
	bob := w.join(t, "bob")
	ctx := context.Background()

	carol, err := w.net.Open(ctx, "gc-carol-1")
	if err != nil {
		t.Fatal(err)
	}
	out, err := carol.Call(ctx, bob.handle, nil, peer.Metadata{CallerName: "Carol", Kind: media.Audio})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if bob.n.State() != call.Idle {
		t.Fatalf("media call alone changed state to %s", bob.n.State())
	}

	in := signal.NewIntent("carol", "Carol", "gc-carol-1", media.Audio, time.Now())
	if err := w.sig.PostIntent(ctx, "bob", in); err != nil {
		t.Fatal(err)
	}
	bob.waitRing(t)
	if err := bob.n.AnswerIncomingCall(ctx, "gc-carol-1", "", nil); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	bob.waitState(t, call.Active)

	if len(w.net.Conn(bob.handle).Placed()) != 0 {
		t.Error("bob dialed back although the call was queued")
	}
	if out.(*peertest.Call).Closed() {
		t.Error("queued call was closed")
	}
}

func TestStaleIntentNeverRings(t *testing.T) {
	w := newWorld()
	bob := w.join(t, "bob")
	ctx := context.Background()

	old := signal.NewIntent("alice", "Alice", "gc-alice-1", media.Audio, time.Now().Add(-2*time.Minute))
	if err := w.sig.PostIntent(ctx, "bob", old); err != nil {
		t.Fatal(err)
	}
	ended := signal.NewIntent("carol", "Carol", "gc-carol-1", media.Audio, time.Now())
	ended.Status = proto.StatusNone
	if err := w.sig.PostIntent(ctx, "bob", ended); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-bob.rings:
		t.Fatalf("rang for %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if bob.n.State() != call.Idle {
		t.Errorf("state = %s", bob.n.State())
	}
}

func TestRingCancelledWhenCallerHangsUp(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	ctx := context.Background()

	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	bob.waitRing(t)
	alice.n.EndCall()

	bob.waitEvent(t, call.EventRingCancelled)
	bob.waitState(t, call.Idle)
	if err := bob.n.AnswerIncomingCall(ctx, "", "", nil); !errors.Is(err, call.ErrNoIncomingCall) {
		t.Errorf("answer after cancel = %v", err)
	}
	if bob.src.stops.Load() != 0 {
		t.Error("ringing callee acquired media")
	}
}

func TestReplacementRingRings(t *testing.T) {
	w := newWorld()
	bob := w.join(t, "bob")
	ctx := context.Background()

	first := signal.NewIntent("alice", "Alice", "gc-alice-1", media.Audio, time.Now())
	if err := w.sig.PostIntent(ctx, "bob", first); err != nil {
		t.Fatal(err)
	}
	bob.waitRing(t)

	second := signal.NewIntent("carol", "Carol", "gc-carol-1", media.Video, time.Now())
	if err := w.sig.PostIntent(ctx, "bob", second); err != nil {
		t.Fatal(err)
	}
	bob.waitEvent(t, call.EventRingCancelled)
	r := bob.waitRing(t)
	if r.CallerID != "carol" || r.Kind != media.Video {
		t.Fatalf("replacement ring = %+v", r)
	}
}

func TestDeclineEndsCaller(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	ctx := context.Background()

	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	bob.waitRing(t)
	if err := bob.n.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	bob.waitState(t, call.Idle)
	alice.waitEvent(t, call.EventEnded)
	alice.waitState(t, call.Idle)

	if _, ok := w.sig.Read(ctx, "bob"); ok {
		t.Error("declined intent left in slot")
	}
	if err := bob.n.Decline(); !errors.Is(err, call.ErrNoIncomingCall) {
		t.Errorf("second Decline = %v", err)
	}

	// Declining one intent does not turn away the caller's next attempt.
	time.Sleep(5 * time.Millisecond)
	connect(t, alice, bob, media.Audio)
}

func TestLateStaleRingKeepsNewerCall(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	ctx := context.Background()

	bob.sig.hold()

	// First attempt posts an intent and withdraws it again.
	alice.src.fail = media.ErrPermissionDenied
	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil); !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("first attempt err = %v", err)
	}
	alice.src.fail = nil
	time.Sleep(5 * time.Millisecond)

	// The second attempt's media call reaches bob before any slot notice.
	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	placed := w.net.Conn(alice.handle).Placed()
	if len(placed) != 1 {
		t.Fatalf("alice placed %d calls, want 1", len(placed))
	}
	waitFor(t, "three held notices", func() bool { return bob.sig.heldCount() == 3 })

	// Now the stale ring, its withdrawal and the live ring arrive together.
	bob.sig.release()
	bob.waitRing(t)
	bob.waitEvent(t, call.EventRingCancelled)
	r := bob.waitRing(t)
	if r.CallerHandle != alice.handle {
		t.Fatalf("ring = %+v", r)
	}
	if placed[0].Closed() {
		t.Fatal("withdrawn ring closed the newer attempt's media call")
	}

	if err := bob.n.AnswerIncomingCall(ctx, r.CallerHandle, "", nil); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	bob.waitState(t, call.Active)
	alice.waitState(t, call.Active)
	if n := len(w.net.Conn(bob.handle).Placed()); n != 0 {
		t.Errorf("bob dialed back %d times although the call was queued", n)
	}
}

func TestBusy(t *testing.T) {
	w := newWorld()
	alice, _ := w.join(t, "alice"), w.join(t, "bob")
	ctx := context.Background()

	if err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil)
	if !errors.Is(err, call.ErrBusy) {
		t.Fatalf("second call err = %v, want ErrBusy", err)
	}
	if err := alice.n.AnswerIncomingCall(ctx, "", "", nil); !errors.Is(err, call.ErrNoIncomingCall) {
		t.Errorf("answer while dialing = %v", err)
	}
}

func TestLookupFailure(t *testing.T) {
	w := newWorld()
	alice := w.join(t, "alice")

	err := alice.n.StartOutgoingCall(context.Background(), call.CallRequest{TargetUserID: "nobody"}, nil)
	if !errors.Is(err, call.ErrLookupFailed) {
		t.Fatalf("err = %v, want ErrLookupFailed", err)
	}
	ev := alice.waitEvent(t, call.EventFailed)
	if ev.Reason != call.ReasonLookupFailed {
		t.Errorf("reason = %s", ev.Reason)
	}
	if alice.n.State() != call.Failed {
		t.Errorf("state = %s", alice.n.State())
	}
}

func TestPermissionDenied(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	alice.src.fail = media.ErrPermissionDenied

	ctx := context.Background()
	err := alice.n.StartOutgoingCall(ctx, call.CallRequest{TargetUserID: "bob"}, nil)
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	alice.waitState(t, call.Failed)

	// The posted intent is withdrawn so the callee stops ringing.
	waitFor(t, "bob slot cleared", func() bool {
		_, ok := w.sig.Read(ctx, "bob")
		return !ok
	})

	// Failed is terminal for the session only; a new attempt may start.
	bob.waitState(t, call.Idle)
	for len(bob.rings) > 0 {
		<-bob.rings
	}
	alice.src.fail = nil
	connect(t, alice, bob, media.Audio)
}

func TestToggles(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	connect(t, alice, bob, media.Audio)

	if alice.n.ToggleVideo() {
		t.Error("ToggleVideo on an audio call reported disabled")
	}
	if !alice.n.ToggleMute() {
		t.Error("ToggleMute did not mute")
	}
	info, _ := alice.n.Info()
	if !info.Muted || info.VideoEnabled || info.HasVideo {
		t.Errorf("info = %+v", info)
	}
	if alice.n.ToggleMute() {
		t.Error("second ToggleMute did not unmute")
	}
	if alice.n.CurrentDuration() < 0 {
		t.Error("negative duration")
	}
}

func TestIdentityLostFailsCall(t *testing.T) {
	w := newWorld()
	alice, bob := w.join(t, "alice"), w.join(t, "bob")
	connect(t, alice, bob, media.Audio)

	alice.n.HandleIdentityLost(peer.ErrIdentityFatal)
	ev := alice.waitEvent(t, call.EventFailed)
	if ev.Reason != call.ReasonIdentityFatal {
		t.Errorf("reason = %s", ev.Reason)
	}
	bob.waitState(t, call.Idle)
}
