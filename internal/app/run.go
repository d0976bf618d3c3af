package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/api"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/profile"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/transport"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("app")

// subsystems are the loggers Log.Level applies to. libp2p's own loggers
// keep the levels the transport sets.
var subsystems = []string{
	"app", "api", "call", "media", "peer", "presence",
	"profile", "signal", "storage", "transport",
}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run wires one peer process and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	logBanner(opt.PeerDir, opt.CfgPath, cfg)

	clk := clock.New()

	// ── Store
	store, err := openStore(ctx, opt.PeerDir, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	dir := profile.NewDirectory(store)
	if name := cfg.Identity.DisplayName; name != "" {
		if err := dir.SetDisplayName(ctx, cfg.Identity.UserID, name); err != nil {
			log.Warnf("publish display name: %v", err)
		}
	}

	// ── Media + transport
	dev, err := media.NewDevice(media.Config{
		VideoWidth:   cfg.Media.VideoWidth,
		VideoHeight:  cfg.Media.VideoHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	tr := transport.New(transport.Config{
		ListenPort:       cfg.P2P.ListenPort,
		MdnsTag:          cfg.P2P.MdnsTag,
		HandleTopic:      cfg.P2P.HandleTopic,
		STUNServers:      cfg.P2P.STUNServers,
		Bootstrap:        cfg.P2P.Bootstrap,
		AnnounceInterval: time.Duration(cfg.P2P.AnnounceSec) * time.Second,
	}, dev)

	// ── Identity
	ident := peer.NewManager(cfg.Identity.UserID, tr, dir, peer.Options{
		OpenTimeout: cfg.Call.OpenTimeout(),
		FatalRetry:  cfg.Call.FatalRetry(),
		Clock:       clk,
	})
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		ident.Close(shutCtx)
	}()

	// ── Calls
	sig := signal.NewChannel(store, cfg.Call.RingTimeout(), clk)
	neg := call.NewNegotiator(ident, dir, sig, dev, call.Options{
		UserID:          cfg.Identity.UserID,
		DisplayName:     dir.DisplayName(ctx, cfg.Identity.UserID),
		CallbackTimeout: cfg.Call.CallbackTimeout(),
		RingTimeout:     cfg.Call.RingTimeout(),
		HistorySize:     cfg.Call.HistorySize,
		Clock:           clk,
	})
	neg.OnIncoming(func(r call.Ring) {
		log.Infof("📞 incoming %s call from %s (%s)", r.Kind, r.CallerName, r.CallerID)
	})
	if err := neg.Start(ctx); err != nil {
		return err
	}
	defer neg.Close()

	go forwardIdentityLoss(ctx, ident, neg)

	// Callers find us through the profile handle, so take one up front.
	go func() {
		h, err := ident.AcquireHandle(ctx)
		if err != nil {
			log.Warnf("acquire peer handle: %v (retried on the next call)", err)
			return
		}
		log.Infof("peer handle %s", h)
	}()

	// ── Presence
	hb := presence.NewHeartbeat(dir, cfg.Identity.UserID, cfg.Presence.Heartbeat(), clk)
	if err := hb.Start(ctx); err != nil {
		log.Warnf("presence: %v", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		hb.Stop(shutCtx)
	}()

	// ── Control API
	errc := make(chan error, 1)
	if addr := cfg.Control.HTTPAddr; addr != "" {
		listen, url := NormalizeLocalAddr(addr)
		srv := api.New(neg, ident, drainRemote)
		srv.AttachLogs(captureLogs(ctx))
		go func() { errc <- srv.Serve(ctx, listen) }()
		log.Infof("🌐 control API: %s", url)
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}

func openStore(ctx context.Context, peerDir string, c config.Store) (storage.Store, error) {
	switch c.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "redis":
		return storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
	case "sqlite", "":
		return storage.Open(util.ResolvePath(peerDir, c.Path))
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}

// forwardIdentityLoss fails the live call when the peer handle is lost for
// good.
func forwardIdentityLoss(ctx context.Context, ident *peer.Manager, neg *call.Negotiator) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ident.Fatal():
			log.Errorf("peer identity lost: %v", err)
			neg.HandleIdentityLost(err)
		}
	}
}

// drainRemote consumes remote media so the transport keeps reading. A UI
// shell would render it instead.
func drainRemote(rs *media.RemoteStream) {
	rs.OnTrack(func(t *media.RemoteTrack) {
		go func() {
			n := t.Drain(nil)
			log.Debugf("remote %s track from %s ended after %d packets", t.Kind, rs.Peer, n)
		}()
	})
}

// captureLogs tees the process log into a buffer for the control API.
func captureLogs(ctx context.Context) *api.LogBuffer {
	buf := api.NewLogBuffer(800)
	pr := logging.NewPipeReader()
	go func() {
		<-ctx.Done()
		pr.Close()
	}()
	go io.Copy(buf, pr)
	return buf
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := logging.LevelFromString(level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return err
		}
	}
	return nil
}
