// Package transport is the libp2p + pion/webrtc media transport. Each peer
// handle gets its own libp2p host; handles are resolved over a gossip topic
// and calls are negotiated on a dedicated stream protocol.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pion/webrtc/v4"

	goopeer "github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("transport")

func init() {
	// Dial failures and backoff errors are noise at the default level.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// CodecRegistrar fills a MediaEngine with the codecs local tracks use.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

type Config struct {
	ListenPort       int
	MdnsTag          string
	HandleTopic      string
	STUNServers      []string
	Bootstrap        []string
	AnnounceInterval time.Duration
}

// Transport implements peer.Transport.
type Transport struct {
	cfg    Config
	codecs CodecRegistrar
}

func New(cfg Config, codecs CodecRegistrar) *Transport {
	if cfg.MdnsTag == "" {
		cfg.MdnsTag = proto.MdnsTag
	}
	if cfg.HandleTopic == "" {
		cfg.HandleTopic = proto.HandleTopic
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 10 * time.Second
	}
	return &Transport{cfg: cfg, codecs: codecs}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// Open starts a host for handle, joins the handle topic and announces the
// handle. It returns once the first announce is published.
func (t *Transport) Open(ctx context.Context, handle string) (goopeer.Connection, error) {
	// Every handle is a fresh identity; nothing is persisted.
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", t.cfg.ListenPort)),
	)
	if err != nil {
		return nil, &goopeer.Error{Kind: goopeer.KindNetwork, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		t:       t,
		handle:  handle,
		host:    h,
		created: time.Now().UnixMilli(),
		events:  make(chan goopeer.ConnEvent, 16),
		ctx:     runCtx,
		cancel:  cancel,
		calls:   make(map[string]*mediaCall),
	}
	fail := func(err error) (goopeer.Connection, error) {
		cancel()
		_ = h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocol.ID(proto.MediaProtoID), c.handleMediaStream)

	md := mdns.NewMdnsService(h, t.cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		return fail(&goopeer.Error{Kind: goopeer.KindNetwork, Err: fmt.Errorf("mdns: %w", err)})
	}
	c.mdns = md

	if err := c.dialBootstrap(ctx); err != nil && len(t.cfg.Bootstrap) > 0 {
		md.Close()
		return fail(&goopeer.Error{Kind: goopeer.KindNetwork, Err: err})
	}
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: c.onPeerDisconnected})

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		md.Close()
		return fail(err)
	}
	topic, err := ps.Join(t.cfg.HandleTopic)
	if err != nil {
		md.Close()
		return fail(err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		md.Close()
		return fail(err)
	}
	c.dir = newDirectory(c, topic, sub)

	if err := c.dir.announce(ctx); err != nil {
		c.dir.close()
		md.Close()
		return fail(fmt.Errorf("announce %s: %w", handle, err))
	}
	go c.dir.readLoop()
	go c.dir.announceLoop(t.cfg.AnnounceInterval)

	log.Infof("handle %s on peer %s (%d addrs)", handle, util.Short(h.ID().String()), len(h.Addrs()))
	return c, nil
}

// conn is one handle's host.
type conn struct {
	t       *Transport
	handle  string
	host    host.Host
	created int64
	mdns    mdns.Service
	dir     *directory

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	events   chan goopeer.ConnEvent
	closed   bool
	offline  bool
	calls    map[string]*mediaCall
	closeErr error
}

func (c *conn) Handle() string                   { return c.handle }
func (c *conn) Events() <-chan goopeer.ConnEvent { return c.events }

// emit delivers ev unless the connection is closed. A full queue drops
// inbound calls (closing them) rather than blocking the host.
func (c *conn) emit(ev goopeer.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if ev.Call != nil {
			go ev.Call.Close()
		}
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warnf("event queue full on %s, dropping event %d", c.handle, ev.Type)
		if ev.Call != nil {
			go ev.Call.Close()
		}
	}
}

func (c *conn) bootstrapPeers() []peer.AddrInfo {
	var out []peer.AddrInfo
	for _, s := range c.t.cfg.Bootstrap {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warnf("bad bootstrap address %q: %v", s, err)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			log.Warnf("bootstrap address %q has no peer id: %v", s, err)
			continue
		}
		out = append(out, *ai)
	}
	return out
}

// dialBootstrap connects to the configured bootstrap peers. It succeeds if
// any of them answers, or if none are configured.
func (c *conn) dialBootstrap(ctx context.Context) error {
	peers := c.bootstrapPeers()
	if len(peers) == 0 {
		return nil
	}
	var lastErr error
	for _, ai := range peers {
		dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := c.host.Connect(dctx, ai)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no bootstrap peer reachable: %w", lastErr)
}

// onPeerDisconnected reports EventDisconnected when the last bootstrap peer
// goes away. Without bootstrap peers there is nothing to lose.
func (c *conn) onPeerDisconnected(n network.Network, _ network.Conn) {
	peers := c.bootstrapPeers()
	if len(peers) == 0 {
		return
	}
	for _, ai := range peers {
		if n.Connectedness(ai.ID) == network.Connected {
			return
		}
	}
	c.mu.Lock()
	already := c.offline || c.closed
	c.offline = true
	c.mu.Unlock()
	if !already {
		c.emit(goopeer.ConnEvent{Type: goopeer.EventDisconnected})
	}
}

// Reconnect re-dials the bootstrap peers and re-announces the handle.
func (c *conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("connection %s closed", c.handle)
	}
	if err := c.dialBootstrap(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.offline = false
	c.mu.Unlock()
	return c.dir.announce(ctx)
}

func (c *conn) track(mc *mediaCall) {
	c.mu.Lock()
	c.calls[mc.id] = mc
	c.mu.Unlock()
}

func (c *conn) untrack(mc *mediaCall) {
	c.mu.Lock()
	delete(c.calls, mc.id)
	c.mu.Unlock()
}

// Close hangs up every call, leaves the topic and stops the host.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	calls := make([]*mediaCall, 0, len(c.calls))
	for _, mc := range c.calls {
		calls = append(calls, mc)
	}
	close(c.events)
	c.mu.Unlock()

	for _, mc := range calls {
		mc.Close()
	}
	c.cancel()
	if c.dir != nil {
		c.dir.close()
	}
	if c.mdns != nil {
		c.mdns.Close()
	}
	err := c.host.Close()
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	log.Infof("closed handle %s", c.handle)
	return err
}
