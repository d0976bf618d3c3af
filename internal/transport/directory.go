package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	goopeer "github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	// Resolutions older than this are refreshed before use.
	entryTTL = 2 * time.Minute
	// How often an unresolved lookup re-asks the topic.
	queryInterval = time.Second
)

type entry struct {
	id   peer.ID
	seen time.Time
}

// directory maps peer handles to libp2p peers from announces on the handle
// topic, and detects a second peer claiming our own handle.
type directory struct {
	c     *conn
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu      sync.Mutex
	entries map[string]entry
	waiters map[string][]chan struct{}
}

func newDirectory(c *conn, topic *pubsub.Topic, sub *pubsub.Subscription) *directory {
	return &directory{
		c:       c,
		topic:   topic,
		sub:     sub,
		entries: make(map[string]entry),
		waiters: make(map[string][]chan struct{}),
	}
}

// publicAddrs filters out loopback addresses unless they are all we have.
func publicAddrs(addrs []ma.Multiaddr) []string {
	var out, loop []string
	for _, a := range addrs {
		if manet.IsIPLoopback(a) {
			loop = append(loop, a.String())
			continue
		}
		out = append(out, a.String())
	}
	if len(out) == 0 {
		return loop
	}
	return out
}

func (d *directory) announce(ctx context.Context) error {
	h := d.c.host
	msg := proto.HandleAnnounce{
		Handle: d.c.handle,
		PeerID: h.ID().String(),
		Addrs:  publicAddrs(h.Addrs()),
		TS:     d.c.created,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.topic.Publish(ctx, b)
}

func (d *directory) query(ctx context.Context, handle string) error {
	b, err := json.Marshal(proto.HandleAnnounce{Handle: handle, TS: proto.NowMillis(), Query: true})
	if err != nil {
		return err
	}
	return d.topic.Publish(ctx, b)
}

func (d *directory) announceLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-d.c.ctx.Done():
			return
		case <-ticker.C:
			if err := d.announce(d.c.ctx); err != nil && d.c.ctx.Err() == nil {
				log.Debugf("announce %s: %v", d.c.handle, err)
			}
		}
	}
}

func (d *directory) readLoop() {
	self := d.c.host.ID()
	for {
		m, err := d.sub.Next(d.c.ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		var ann proto.HandleAnnounce
		if err := json.Unmarshal(m.Data, &ann); err != nil {
			log.Debugf("bad announce from %s: %v", util.Short(m.ReceivedFrom.String()), err)
			continue
		}
		if ann.Query {
			if ann.Handle == d.c.handle {
				if err := d.announce(d.c.ctx); err != nil {
					log.Debugf("answer query for %s: %v", ann.Handle, err)
				}
			}
			continue
		}
		d.learn(ann)
	}
}

func (d *directory) learn(ann proto.HandleAnnounce) {
	pid, err := peer.Decode(ann.PeerID)
	if err != nil || pid == d.c.host.ID() {
		return
	}

	if ann.Handle == d.c.handle {
		// The older registration keeps the handle; ties go to the lower id.
		if ann.TS < d.c.created || (ann.TS == d.c.created && pid < d.c.host.ID()) {
			d.c.emit(goopeer.ConnEvent{
				Type: goopeer.EventError,
				Err: &goopeer.Error{
					Kind: goopeer.KindUnavailableID,
					Err:  fmt.Errorf("handle %s claimed by %s", ann.Handle, util.Short(pid.String())),
				},
			})
		}
		return
	}

	var addrs []ma.Multiaddr
	for _, s := range ann.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) > 0 {
		d.c.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
	}

	d.mu.Lock()
	d.entries[ann.Handle] = entry{id: pid, seen: time.Now()}
	waiters := d.waiters[ann.Handle]
	delete(d.waiters, ann.Handle)
	d.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// resolve returns the peer holding handle, asking the topic until someone
// answers or ctx ends.
func (d *directory) resolve(ctx context.Context, handle string) (peer.ID, error) {
	for {
		d.mu.Lock()
		e, ok := d.entries[handle]
		if ok && time.Since(e.seen) < entryTTL {
			d.mu.Unlock()
			return e.id, nil
		}
		wait := make(chan struct{})
		d.waiters[handle] = append(d.waiters[handle], wait)
		d.mu.Unlock()

		if err := d.query(ctx, handle); err != nil {
			return "", err
		}
		select {
		case <-wait:
		case <-time.After(queryInterval):
		case <-ctx.Done():
			return "", &goopeer.Error{Kind: goopeer.KindPeerUnavailable, Err: fmt.Errorf("resolve %s: %w", handle, ctx.Err())}
		}
	}
}

func (d *directory) close() {
	d.sub.Cancel()
	d.topic.Close()
}
