package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	goopeer "github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// pliInterval is how often a keyframe is requested on received video.
const pliInterval = 3 * time.Second

// newPeerConnection builds a PeerConnection with the capture codecs, the
// default interceptors and lenient ICE timeouts.
func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if t.codecs != nil {
		if err := t.codecs.RegisterCodecs(me); err != nil {
			return nil, err
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// A short relay or NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(t.cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: t.cfg.STUNServers})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// mediaCall implements peer.MediaCall over one libp2p stream and one
// PeerConnection.
type mediaCall struct {
	c       *conn
	id      string
	remote  string
	meta    goopeer.Metadata
	inbound bool
	stream  network.Stream
	enc     *json.Encoder
	offer   string

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	rs       *media.RemoteStream
	onStream []func(*media.RemoteStream)
	onClose  []func(error)
	closed   bool

	done chan struct{}
}

func (mc *mediaCall) ID() string                 { return mc.id }
func (mc *mediaCall) Peer() string               { return mc.remote }
func (mc *mediaCall) Metadata() goopeer.Metadata { return mc.meta }

func (mc *mediaCall) OnStream(fn func(*media.RemoteStream)) {
	mc.mu.Lock()
	rs := mc.rs
	mc.onStream = append(mc.onStream, fn)
	mc.mu.Unlock()
	if rs != nil {
		fn(rs)
	}
}

func (mc *mediaCall) OnClose(fn func(error)) {
	mc.mu.Lock()
	closed := mc.closed
	if !closed {
		mc.onClose = append(mc.onClose, fn)
	}
	mc.mu.Unlock()
	if closed {
		fn(nil)
	}
}

// Call resolves remote, opens the media stream and sends an offer. The
// returned call delivers the remote stream once the answer arrives.
func (c *conn) Call(ctx context.Context, remote string, local *media.Stream, meta goopeer.Metadata) (goopeer.MediaCall, error) {
	pid, err := c.dir.resolve(ctx, remote)
	if err != nil {
		return nil, err
	}
	s, err := c.host.NewStream(ctx, pid, protocol.ID(proto.MediaProtoID))
	if err != nil {
		return nil, &goopeer.Error{Kind: goopeer.KindPeerUnavailable, Err: fmt.Errorf("open media stream to %s: %w", remote, err)}
	}

	mc := &mediaCall{
		c:      c,
		id:     uuid.NewString(),
		remote: remote,
		meta:   meta,
		stream: s,
		enc:    json.NewEncoder(s),
		done:   make(chan struct{}),
	}
	pc, err := mc.preparePC(local, meta.Kind)
	if err != nil {
		s.Reset()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		mc.teardown(err)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	sdp, err := mc.setLocal(ctx, offer)
	if err != nil {
		mc.teardown(err)
		return nil, err
	}
	if err := mc.enc.Encode(proto.MediaMsg{
		Type:       proto.MsgOffer,
		CallID:     mc.id,
		From:       c.handle,
		To:         remote,
		SDP:        sdp,
		CallerName: meta.CallerName,
		Kind:       string(meta.Kind),
		IsCallback: meta.IsCallback,
		IntentAt:   meta.IntentAt,
	}); err != nil {
		mc.teardown(err)
		return nil, fmt.Errorf("send offer: %w", err)
	}

	c.track(mc)
	go mc.readLoop(bufio.NewReader(s))
	log.Infof("call %s: offer sent to %s", util.Short(mc.id), remote)
	return mc, nil
}

// handleMediaStream receives an offer and surfaces it as an inbound call.
func (c *conn) handleMediaStream(s network.Stream) {
	// The offer is one line; the rest of the stream belongs to readLoop.
	r := bufio.NewReader(s)
	var msg proto.MediaMsg
	line, err := r.ReadBytes('\n')
	if err == nil {
		err = json.Unmarshal(line, &msg)
	}
	if err != nil {
		log.Debugf("bad media stream from %s: %v", util.Short(s.Conn().RemotePeer().String()), err)
		s.Reset()
		return
	}
	if msg.Type != proto.MsgOffer || msg.To != c.handle {
		log.Debugf("unexpected %s for %s on %s", msg.Type, msg.To, c.handle)
		s.Reset()
		return
	}

	mc := &mediaCall{
		c:       c,
		id:      msg.CallID,
		remote:  msg.From,
		inbound: true,
		stream:  s,
		enc:     json.NewEncoder(s),
		offer:   msg.SDP,
		meta: goopeer.Metadata{
			CallerName: msg.CallerName,
			Kind:       media.Kind(msg.Kind),
			IsCallback: msg.IsCallback,
			IntentAt:   msg.IntentAt,
		},
		done: make(chan struct{}),
	}
	c.track(mc)
	go mc.readLoop(r)
	log.Infof("call %s: offer from %s (%s, callback=%v)", util.Short(mc.id), msg.From, msg.Kind, msg.IsCallback)
	c.emit(goopeer.ConnEvent{Type: goopeer.EventCall, Call: mc})
}

// Answer builds the PeerConnection for an inbound offer and replies.
func (mc *mediaCall) Answer(ctx context.Context, local *media.Stream) error {
	if !mc.inbound {
		return errors.New("answer on an outgoing call")
	}
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return errors.New("call closed")
	}
	mc.mu.Unlock()

	pc, err := mc.preparePC(local, mc.meta.Kind)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: mc.offer}); err != nil {
		mc.teardown(err)
		return fmt.Errorf("set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		mc.teardown(err)
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := mc.setLocal(ctx, answer)
	if err != nil {
		mc.teardown(err)
		return err
	}
	if err := mc.enc.Encode(proto.MediaMsg{
		Type:   proto.MsgAnswer,
		CallID: mc.id,
		From:   mc.c.handle,
		To:     mc.remote,
		SDP:    sdp,
	}); err != nil {
		mc.teardown(err)
		return fmt.Errorf("send answer: %w", err)
	}
	log.Infof("call %s: answered %s", util.Short(mc.id), mc.remote)
	return nil
}

// preparePC creates the PeerConnection, adds local tracks and makes sure a
// video m-line exists for video calls even without a local camera.
func (mc *mediaCall) preparePC(local *media.Stream, kind media.Kind) (*webrtc.PeerConnection, error) {
	pc, err := mc.c.t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	mc.mu.Lock()
	mc.pc = pc
	mc.mu.Unlock()

	hasVideo := false
	if local != nil {
		for _, tr := range local.Tracks {
			if tr.Local() == nil {
				continue
			}
			sender, err := pc.AddTrack(tr.Local())
			if err != nil {
				log.Warnf("call %s: add %s track: %v", util.Short(mc.id), tr.Kind(), err)
				continue
			}
			if tr.Kind() == media.Video {
				hasVideo = true
			}
			go drainRTCP(sender)
			track := tr
			tr.OnToggle(func(on bool) {
				var next webrtc.TrackLocal
				if on {
					next = track.Local()
				}
				if err := sender.ReplaceTrack(next); err != nil {
					log.Debugf("call %s: toggle %s: %v", util.Short(mc.id), track.Kind(), err)
				}
			})
		}
	}
	if kind == media.Video && !hasVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("call %s: recvonly video: %v", util.Short(mc.id), err)
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		mc.onRemoteTrack(pc, remote)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("call %s: connection %s", util.Short(mc.id), st)
		switch st {
		case webrtc.PeerConnectionStateFailed:
			mc.teardown(errors.New("ice connection failed"))
		case webrtc.PeerConnectionStateClosed:
			mc.teardown(nil)
		}
	})
	return pc, nil
}

// setLocal applies desc and waits for ICE gathering; the SDP sent on the
// stream carries every candidate.
func (mc *mediaCall) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	mc.mu.Lock()
	pc := mc.pc
	mc.mu.Unlock()

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (mc *mediaCall) onRemoteTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	kind := media.KindOf(remote.Kind())
	log.Infof("call %s: remote %s track %s", util.Short(mc.id), kind, remote.Codec().MimeType)

	rt := media.NewRemoteTrack(kind, remote.ID(), remote.Codec().MimeType, func() (*rtp.Packet, error) {
		pkt, _, err := remote.ReadRTP()
		return pkt, err
	})

	mc.mu.Lock()
	first := mc.rs == nil
	if first {
		mc.rs = media.NewRemoteStream(mc.remote)
	}
	rs := mc.rs
	hooks := append([]func(*media.RemoteStream){}, mc.onStream...)
	mc.mu.Unlock()

	rs.Add(rt)
	if first {
		for _, fn := range hooks {
			fn(rs)
		}
	}

	if kind == media.Video {
		go mc.requestKeyframes(pc, uint32(remote.SSRC()))
	}
}

// requestKeyframes sends a PLI now and every pliInterval until the call
// ends, so a decoder that joined late recovers quickly.
func (mc *mediaCall) requestKeyframes(pc *webrtc.PeerConnection, ssrc uint32) {
	send := func() {
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			log.Debugf("call %s: pli: %v", util.Short(mc.id), err)
		}
	}
	send()
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
			send()
		}
	}
}

// drainRTCP reads RTCP for a sender so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// readLoop handles answer and close messages after the offer.
func (mc *mediaCall) readLoop(r *bufio.Reader) {
	dec := json.NewDecoder(r)
	for {
		var msg proto.MediaMsg
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, network.ErrReset) {
				mc.teardown(nil)
			} else {
				mc.teardown(fmt.Errorf("media stream: %w", err))
			}
			return
		}
		switch msg.Type {
		case proto.MsgAnswer:
			if mc.inbound {
				continue
			}
			mc.mu.Lock()
			pc := mc.pc
			mc.mu.Unlock()
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
				mc.teardown(fmt.Errorf("set answer: %w", err))
				return
			}
			log.Infof("call %s: answer from %s", util.Short(mc.id), mc.remote)
		case proto.MsgClose:
			log.Infof("call %s: closed by %s", util.Short(mc.id), mc.remote)
			mc.teardown(nil)
			return
		}
	}
}

// Close tells the remote side and tears the call down.
func (mc *mediaCall) Close() error {
	mc.mu.Lock()
	closed := mc.closed
	mc.mu.Unlock()
	if !closed {
		_ = mc.enc.Encode(proto.MediaMsg{Type: proto.MsgClose, CallID: mc.id, From: mc.c.handle, To: mc.remote})
	}
	mc.teardown(nil)
	return nil
}

func (mc *mediaCall) teardown(cause error) {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.closed = true
	pc := mc.pc
	hooks := mc.onClose
	mc.onClose = nil
	mc.mu.Unlock()

	close(mc.done)
	mc.c.untrack(mc)
	if pc != nil {
		_ = pc.Close()
	}
	_ = mc.stream.Close()
	if cause != nil {
		log.Warnf("call %s: %v", util.Short(mc.id), cause)
	}
	for _, fn := range hooks {
		fn(cause)
	}
}
