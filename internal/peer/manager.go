// Package peer manages this session's peer handle: the transport identity
// other users dial for media. It mints, opens, re-attaches and replaces the
// handle, and publishes it in the user's profile.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("peer")

var (
	// ErrIdentityTimeout: the transport did not open within OpenTimeout.
	ErrIdentityTimeout = errors.New("peer: identity open timed out")
	// ErrIdentityFatal: the handle was lost and the automatic retry failed.
	ErrIdentityFatal = errors.New("peer: identity lost")
	ErrReleased      = errors.New("peer: manager closed")
)

const (
	DefaultOpenTimeout = 15 * time.Second
	DefaultFatalRetry  = 3 * time.Second
	incomingBuf        = 8
)

// HandleDirectory is where the live handle is published.
type HandleDirectory interface {
	SetPeerHandle(ctx context.Context, userID, handle string) error
	ClearPeerHandle(ctx context.Context, userID, handle string) error
}

type Options struct {
	OpenTimeout time.Duration
	FatalRetry  time.Duration
	Clock       clock.Clock
}

// MintHandle derives a new handle from the user id and the creation time.
func MintHandle(userID string, now time.Time) string {
	uid := userID
	if len(uid) > 16 {
		uid = uid[:16]
	}
	return proto.HandlePrefix + uid + "-" + strconv.FormatInt(now.UnixMilli(), 36)
}

// Manager holds at most one live Connection. Inbound calls from every
// connection it ever opens are funneled into one stable channel.
type Manager struct {
	userID string
	tr     Transport
	dir    HandleDirectory
	clock  clock.Clock

	openTimeout time.Duration
	fatalRetry  time.Duration

	sf singleflight.Group

	mu         sync.Mutex
	conn       Connection
	handle     string
	connected  bool
	gen        uint64
	retryTimer *clock.Timer
	closed     bool

	incoming chan MediaCall
	fatal    chan error
	done     chan struct{}
}

func NewManager(userID string, tr Transport, dir HandleDirectory, opt Options) *Manager {
	if opt.OpenTimeout <= 0 {
		opt.OpenTimeout = DefaultOpenTimeout
	}
	if opt.FatalRetry <= 0 {
		opt.FatalRetry = DefaultFatalRetry
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Manager{
		userID:      userID,
		tr:          tr,
		dir:         dir,
		clock:       opt.Clock,
		openTimeout: opt.OpenTimeout,
		fatalRetry:  opt.FatalRetry,
		incoming:    make(chan MediaCall, incomingBuf),
		fatal:       make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Handle returns the live handle or "".
func (m *Manager) Handle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Connection returns the live connection or nil.
func (m *Manager) Connection() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	return m.conn
}

// Incoming delivers inbound media calls. It survives handle replacement.
func (m *Manager) Incoming() <-chan MediaCall { return m.incoming }

// Fatal receives ErrIdentityFatal when a lost handle could not be replaced.
func (m *Manager) Fatal() <-chan error { return m.fatal }

// AcquireHandle returns the live handle, opening a fresh one if needed.
// Concurrent callers share a single open.
func (m *Manager) AcquireHandle(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrReleased
	}
	if m.conn != nil && m.connected {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	res := m.sf.DoChan("acquire", func() (any, error) { return m.acquire() })
	select {
	case r := <-res:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) acquire() (string, error) {
	m.mu.Lock()
	if m.conn != nil && m.connected {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	stale := m.conn
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.openTimeout)
	defer cancel()

	// A disconnected connection keeps its handle; try to re-attach first.
	if stale != nil {
		if err := stale.Reconnect(ctx); err == nil {
			m.mu.Lock()
			if m.conn == stale {
				m.connected = true
			}
			h := m.handle
			m.mu.Unlock()
			log.Infof("re-attached handle %s", h)
			return h, nil
		}
		m.discard(stale)
	}

	handle := MintHandle(m.userID, m.clock.Now())
	conn, err := m.open(ctx, handle)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return "", ErrReleased
	}
	m.gen++
	gen := m.gen
	m.conn, m.handle, m.connected = conn, handle, true
	m.mu.Unlock()

	go m.pump(gen, conn)

	if err := m.dir.SetPeerHandle(ctx, m.userID, handle); err != nil {
		log.Warnf("publish handle %s: %v", handle, err)
	}
	log.Infof("opened handle %s", handle)
	return handle, nil
}

// open runs Transport.Open under the open timeout. A connection that opens
// after the deadline is closed.
func (m *Manager) open(ctx context.Context, handle string) (Connection, error) {
	type result struct {
		conn Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := m.tr.Open(ctx, handle)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrIdentityTimeout, handle)
			}
			return nil, fmt.Errorf("open %s: %w", handle, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s", ErrIdentityTimeout, handle)
	}
}

// pump forwards events of one connection generation.
func (m *Manager) pump(gen uint64, conn Connection) {
	for ev := range conn.Events() {
		switch ev.Type {
		case EventCall:
			select {
			case m.incoming <- ev.Call:
			case <-m.done:
				ev.Call.Close()
				return
			default:
				log.Warnf("inbound call queue full, dropping call from %s", util.Short(ev.Call.Peer()))
				ev.Call.Close()
			}
		case EventDisconnected:
			m.onDisconnected(gen, conn)
		case EventError:
			if KindOf(ev.Err).Fatal() {
				m.onFatal(gen, conn, ev.Err)
			} else if KindOf(ev.Err) == KindTransient {
				m.onDisconnected(gen, conn)
			} else {
				log.Debugf("connection error on %s: %v", conn.Handle(), ev.Err)
			}
		case EventClosed:
			m.mu.Lock()
			if m.gen == gen && m.conn == conn {
				m.connected = false
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

func (m *Manager) onDisconnected(gen uint64, conn Connection) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	log.Infof("handle %s disconnected, reconnecting", conn.Handle())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.openTimeout)
		defer cancel()
		if err := conn.Reconnect(ctx); err != nil {
			if !m.current(gen) {
				return
			}
			m.onFatal(gen, conn, &Error{Kind: KindNetwork, Err: err})
			return
		}
		m.mu.Lock()
		if m.gen == gen {
			m.connected = true
		}
		m.mu.Unlock()
		log.Infof("handle %s reconnected", conn.Handle())
	}()
}

// onFatal discards the handle and schedules exactly one automatic reacquire.
func (m *Manager) onFatal(gen uint64, conn Connection, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	log.Warnf("handle %s lost: %v", conn.Handle(), cause)
	m.discard(conn)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryTimer != nil || m.closed {
		return
	}
	m.retryTimer = m.clock.AfterFunc(m.fatalRetry, func() {
		m.mu.Lock()
		m.retryTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.openTimeout)
		defer cancel()
		if _, err := m.AcquireHandle(ctx); err != nil {
			log.Errorf("reacquire after fatal error failed: %v", err)
			select {
			case m.fatal <- fmt.Errorf("%w: %v", ErrIdentityFatal, err):
			default:
			}
		}
	})
}

// discard drops conn if it is still the live connection and unpublishes
// its handle.
func (m *Manager) discard(conn Connection) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		conn.Close()
		return
	}
	handle := m.handle
	m.conn, m.handle, m.connected = nil, "", false
	m.gen++
	m.mu.Unlock()

	conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultResolveTimeout)
	defer cancel()
	if err := m.dir.ClearPeerHandle(ctx, m.userID, handle); err != nil {
		log.Debugf("unpublish handle %s: %v", handle, err)
	}
}

// Release closes the live connection and unpublishes the handle. The
// manager stays usable; a later AcquireHandle mints a new handle.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	conn, handle := m.conn, m.handle
	m.conn, m.handle, m.connected = nil, "", false
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	if derr := m.dir.ClearPeerHandle(ctx, m.userID, handle); derr != nil {
		log.Warnf("unpublish handle %s: %v", handle, derr)
	}
	log.Infof("released handle %s", handle)
	return err
}

// Close releases the handle and stops the manager for good.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Release(ctx)
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()
	return err
}
