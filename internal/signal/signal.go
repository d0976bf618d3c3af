// Package signal carries call intents through the document store. Each user
// has exactly one slot, calls/{userID}; the last writer wins.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("signal")

// ErrPostFailed wraps store errors from PostIntent. Callers treat it as
// non-fatal: the transport call may still reach the callee.
var ErrPostFailed = errors.New("signal: post intent failed")

// Intent is the calls/{target} document.
type Intent struct {
	From         string     `json:"from"`
	CallerName   string     `json:"caller_name"`
	CallerHandle string     `json:"caller_handle"`
	Kind         media.Kind `json:"kind"`
	Status       string     `json:"status"`
	IssuedAt     int64      `json:"issued_at"` // unix ms
}

// NewIntent returns a ringing intent issued at now.
func NewIntent(from, callerName, callerHandle string, kind media.Kind, now time.Time) Intent {
	return Intent{
		From:         from,
		CallerName:   callerName,
		CallerHandle: callerHandle,
		Kind:         kind,
		Status:       proto.StatusRinging,
		IssuedAt:     now.UnixMilli(),
	}
}

// Actionable reports whether the intent should ring: it is ringing and was
// issued less than ringTimeout before now.
func Actionable(in Intent, now time.Time, ringTimeout time.Duration) bool {
	if in.Status != proto.StatusRinging {
		return false
	}
	return now.Sub(time.UnixMilli(in.IssuedAt)) < ringTimeout
}

// Notice is one raw observation of a slot. Present is false when the slot
// is empty or holds something that is not an intent.
type Notice struct {
	Intent  Intent
	Present bool
	Version int64
}

type Channel struct {
	store       storage.Store
	clock       clock.Clock
	ringTimeout time.Duration
}

func NewChannel(store storage.Store, ringTimeout time.Duration, clk clock.Clock) *Channel {
	if clk == nil {
		clk = clock.New()
	}
	return &Channel{store: store, clock: clk, ringTimeout: ringTimeout}
}

// PostIntent overwrites target's slot.
func (c *Channel) PostIntent(ctx context.Context, target string, in Intent) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	if err := c.store.Set(ctx, proto.CallPath(target), b); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPostFailed, target, err)
	}
	log.Debugf("posted %s intent %s -> %s", in.Kind, in.From, target)
	return nil
}

// Observe streams every change of self's slot, stale and cleared ones
// included. Filtering is the consumer's job (see Actionable).
func (c *Channel) Observe(ctx context.Context, self string) (<-chan Notice, error) {
	changes, err := c.store.Watch(ctx, proto.CallPath(self))
	if err != nil {
		return nil, err
	}
	out := make(chan Notice, 8)
	go func() {
		defer close(out)
		for ch := range changes {
			n := Notice{Version: ch.Version}
			if !ch.Deleted() {
				if err := json.Unmarshal(ch.Body, &n.Intent); err != nil {
					log.Debugf("ignoring unreadable intent in %s: %v", ch.Path, err)
				} else {
					n.Present = true
				}
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Actionable applies the channel's ring timeout at the current time.
func (c *Channel) Actionable(in Intent) bool {
	return Actionable(in, c.clock.Now(), c.ringTimeout)
}

// Read returns the current intent in user's slot, if any.
func (c *Channel) Read(ctx context.Context, user string) (Intent, bool) {
	b, err := c.store.Get(ctx, proto.CallPath(user))
	if err != nil {
		return Intent{}, false
	}
	var in Intent
	if err := json.Unmarshal(b, &in); err != nil {
		return Intent{}, false
	}
	return in, true
}

// ClearIntent empties user's slot. Errors are logged and swallowed.
func (c *Channel) ClearIntent(ctx context.Context, user string) {
	if err := c.store.Delete(ctx, proto.CallPath(user)); err != nil {
		log.Warnf("clear intent for %s: %v", user, err)
	}
}

// ClearIntentFrom empties user's slot only if it still holds an intent from
// sender, so hanging up never erases a newer caller's ring.
func (c *Channel) ClearIntentFrom(ctx context.Context, user, sender string) {
	err := c.store.Update(ctx, proto.CallPath(user), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, storage.ErrNoChange
		}
		var in Intent
		if err := json.Unmarshal(cur, &in); err == nil && in.From != sender {
			return nil, storage.ErrNoChange
		}
		return nil, nil
	})
	if err != nil {
		log.Warnf("clear intent for %s: %v", user, err)
	}
}
