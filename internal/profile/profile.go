// Package profile reads and updates the discoverable user records kept at
// users/{id} in the document store.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("profile")

// ErrNoHandle is returned by LookupHandle when the user has no live handle.
var ErrNoHandle = errors.New("profile: user has no peer handle")

// Profile is the users/{id} document.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	PeerHandle  string `json:"peer_handle,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen,omitempty"` // unix ms
}

// Directory gives typed access to profiles. Writes are atomic per field set
// so the heartbeat and the identity manager never overwrite each other.
type Directory struct {
	store storage.Store
}

func NewDirectory(store storage.Store) *Directory {
	return &Directory{store: store}
}

// Get returns the profile of userID, or storage.ErrNotFound.
func (d *Directory) Get(ctx context.Context, userID string) (Profile, error) {
	b, err := d.store.Get(ctx, proto.UserPath(userID))
	if err != nil {
		return Profile{}, err
	}
	return decode(b)
}

// Update applies fn to the current profile (zero value if absent) and
// stores the result.
func (d *Directory) Update(ctx context.Context, userID string, fn func(*Profile)) error {
	return d.store.Update(ctx, proto.UserPath(userID), func(cur []byte) ([]byte, error) {
		var p Profile
		if cur != nil {
			var err error
			if p, err = decode(cur); err != nil {
				// A corrupt record is replaced rather than blocking every write.
				log.Warnf("replacing unreadable profile %s: %v", userID, err)
				p = Profile{}
			}
		}
		fn(&p)
		return json.Marshal(p)
	})
}

// SetDisplayName stores the name other users see in incoming rings.
func (d *Directory) SetDisplayName(ctx context.Context, userID, name string) error {
	return d.Update(ctx, userID, func(p *Profile) { p.DisplayName = name })
}

// SetPeerHandle publishes handle as the user's reachable peer handle.
func (d *Directory) SetPeerHandle(ctx context.Context, userID, handle string) error {
	return d.Update(ctx, userID, func(p *Profile) { p.PeerHandle = handle })
}

// ClearPeerHandle removes the published handle if it is still handle. A
// handle written by a newer session is left alone.
func (d *Directory) ClearPeerHandle(ctx context.Context, userID, handle string) error {
	return d.Update(ctx, userID, func(p *Profile) {
		if p.PeerHandle == handle {
			p.PeerHandle = ""
		}
	})
}

func (d *Directory) SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	return d.Update(ctx, userID, func(p *Profile) {
		p.Online = online
		p.LastSeen = lastSeen
	})
}

// LookupHandle resolves the peer handle a caller should dial for userID.
func (d *Directory) LookupHandle(ctx context.Context, userID string) (string, error) {
	p, err := d.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", userID, ErrNoHandle)
	}
	if err != nil {
		return "", err
	}
	if p.PeerHandle == "" {
		return "", fmt.Errorf("%s: %w", userID, ErrNoHandle)
	}
	return p.PeerHandle, nil
}

// DisplayName returns the user's display name, falling back to the id.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	p, err := d.Get(ctx, userID)
	if err != nil || p.DisplayName == "" {
		return userID
	}
	return p.DisplayName
}

// Watch streams the profile of userID. Deleted or unreadable records are
// reported as the zero Profile. The channel closes when ctx is done.
func (d *Directory) Watch(ctx context.Context, userID string) (<-chan Profile, error) {
	changes, err := d.store.Watch(ctx, proto.UserPath(userID))
	if err != nil {
		return nil, err
	}
	out := make(chan Profile, 4)
	go func() {
		defer close(out)
		for c := range changes {
			var p Profile
			if !c.Deleted() {
				var derr error
				if p, derr = decode(c.Body); derr != nil {
					log.Debugf("unreadable profile %s: %v", userID, derr)
				}
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decode(b []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
