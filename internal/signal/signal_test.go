package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

func next(t *testing.T, ch <-chan Notice) Notice {
	t.Helper()
	select {
	case n, ok := <-ch:
		if !ok {
			t.Fatal("observe channel closed")
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
	return Notice{}
}

func TestPostObserveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(10_000_000))
	ch := NewChannel(storage.NewMemory(), 60*time.Second, mock)

	notices, err := ch.Observe(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n := next(t, notices); n.Present {
		t.Fatalf("initial notice present: %+v", n)
	}

	in := NewIntent("alice", "Alice", "gc-alice-x", media.Video, mock.Now())
	if err := ch.PostIntent(ctx, "bob", in); err != nil {
		t.Fatalf("PostIntent: %v", err)
	}
	n := next(t, notices)
	if !n.Present || n.Intent != in {
		t.Fatalf("observed %+v, want %+v", n.Intent, in)
	}
	if !ch.Actionable(n.Intent) {
		t.Error("fresh ringing intent should be actionable")
	}

	ch.ClearIntent(ctx, "bob")
	if n := next(t, notices); n.Present {
		t.Fatalf("after clear: %+v", n)
	}
}

func TestLastWriterWins(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(storage.NewMemory(), time.Minute, nil)
	now := time.Now()
	ch.PostIntent(ctx, "bob", NewIntent("alice", "Alice", "gc-a", media.Audio, now))
	ch.PostIntent(ctx, "bob", NewIntent("carol", "Carol", "gc-c", media.Audio, now))

	in, ok := ch.Read(ctx, "bob")
	if !ok || in.From != "carol" {
		t.Fatalf("slot = %+v, want carol's intent", in)
	}
}

func TestActionable(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	ttl := 60 * time.Second
	tests := []struct {
		name string
		in   Intent
		want bool
	}{
		{"fresh", Intent{Status: proto.StatusRinging, IssuedAt: 990_000}, true},
		{"just under", Intent{Status: proto.StatusRinging, IssuedAt: 940_001}, true},
		{"at timeout", Intent{Status: proto.StatusRinging, IssuedAt: 940_000}, false},
		{"stale", Intent{Status: proto.StatusRinging, IssuedAt: 100}, false},
		{"not ringing", Intent{Status: proto.StatusNone, IssuedAt: 999_000}, false},
		{"empty status", Intent{IssuedAt: 999_000}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Actionable(tc.in, now, ttl); got != tc.want {
				t.Errorf("Actionable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStalenessWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	ch := NewChannel(storage.NewMemory(), 60*time.Second, mock)
	in := NewIntent("alice", "Alice", "gc-a", media.Audio, mock.Now())
	if !ch.Actionable(in) {
		t.Fatal("fresh intent not actionable")
	}
	mock.Add(60 * time.Second)
	if ch.Actionable(in) {
		t.Fatal("intent still actionable after ring timeout")
	}
}

func TestClearIntentFromKeepsNewerCaller(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(storage.NewMemory(), time.Minute, nil)
	ch.PostIntent(ctx, "bob", NewIntent("carol", "Carol", "gc-c", media.Audio, time.Now()))

	ch.ClearIntentFrom(ctx, "bob", "alice")
	if _, ok := ch.Read(ctx, "bob"); !ok {
		t.Fatal("carol's intent removed by alice's hangup")
	}
	ch.ClearIntentFrom(ctx, "bob", "carol")
	if _, ok := ch.Read(ctx, "bob"); ok {
		t.Fatal("intent not cleared by its sender")
	}
}

type failingStore struct{ storage.Store }

func (failingStore) Set(context.Context, string, []byte) error { return errors.New("offline") }

func TestPostFailureWrapped(t *testing.T) {
	ch := NewChannel(failingStore{storage.NewMemory()}, time.Minute, nil)
	err := ch.PostIntent(context.Background(), "bob", Intent{})
	if !errors.Is(err, ErrPostFailed) {
		t.Fatalf("err = %v, want ErrPostFailed", err)
	}
}
