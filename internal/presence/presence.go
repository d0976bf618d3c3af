// Package presence publishes this user's online state and derives the online
// state of contacts from their profile records.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/profile"
)

var log = logging.Logger("presence")

// Heartbeat keeps users/{id}.online and last_seen fresh on a fixed interval,
// independent of any call activity.
type Heartbeat struct {
	dir      *profile.Directory
	userID   string
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeat(dir *profile.Directory, userID string, interval time.Duration, clk clock.Clock) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{dir: dir, userID: userID, clock: clk, interval: interval}
}

// Start marks the user online and begins beating. Calling Start twice is a
// no-op.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return nil
	}
	if err := h.beat(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ticker := h.clock.Ticker(h.interval)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(loopCtx, ticker, h.done)
	return nil
}

func (h *Heartbeat) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("heartbeat for %s: %v", h.userID, err)
			}
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	return h.dir.SetPresence(ctx, h.userID, true, h.clock.Now().UnixMilli())
}

// Stop ends the heartbeat and marks the user offline.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return h.dir.SetPresence(ctx, h.userID, false, h.clock.Now().UnixMilli())
}

// Status is the derived presence of one contact.
type Status struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// IsOnline reports whether p counts as online at now: the flag is set and
// the last heartbeat is younger than ttl.
func IsOnline(p profile.Profile, now time.Time, ttl time.Duration) bool {
	if !p.Online || p.LastSeen == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(p.LastSeen)) < ttl
}

// Tracker derives contact presence from profile records.
type Tracker struct {
	dir   *profile.Directory
	clock clock.Clock
	ttl   time.Duration
}

func NewTracker(dir *profile.Directory, ttl time.Duration, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{dir: dir, clock: clk, ttl: ttl}
}

// Watch streams the presence of userID. A status is emitted for the current
// state and then whenever the derived value changes, including when a
// heartbeat goes stale without any write.
func (t *Tracker) Watch(ctx context.Context, userID string) (<-chan Status, error) {
	profiles, err := t.dir.Watch(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(chan Status, 4)
	go func() {
		defer close(out)
		expiry := t.clock.Timer(t.ttl)
		expiry.Stop()
		defer expiry.Stop()

		var cur profile.Profile
		var last *Status
		emit := func() bool {
			now := t.clock.Now()
			s := Status{UserID: userID, Online: IsOnline(cur, now, t.ttl)}
			if cur.LastSeen > 0 {
				s.LastSeen = time.UnixMilli(cur.LastSeen)
			}
			if s.Online {
				expiry.Reset(time.UnixMilli(cur.LastSeen).Add(t.ttl).Sub(now))
			} else {
				expiry.Stop()
			}
			if last != nil && *last == s {
				return true
			}
			last = &s
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-profiles:
				if !ok {
					return
				}
				cur = p
				if !emit() {
					return
				}
			case <-expiry.C:
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}
