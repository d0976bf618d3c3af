package app

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
)

func TestNormalizeLocalAddr(t *testing.T) {
	tests := []struct {
		in, listen, url string
	}{
		{":8790", "127.0.0.1:8790", "http://127.0.0.1:8790"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:1 ", "127.0.0.1:1", "http://127.0.0.1:1"},
	}
	for _, tt := range tests {
		listen, url := NormalizeLocalAddr(tt.in)
		if listen != tt.listen || url != tt.url {
			t.Errorf("NormalizeLocalAddr(%q) = %q, %q", tt.in, listen, url)
		}
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s, err := openStore(ctx, dir, config.Store{Backend: backend, Path: "data"})
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer s.Close()
			if err := s.Set(ctx, "calls/bob", []byte(`{}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
		})
	}

	if _, err := openStore(ctx, dir, config.Store{Backend: "etcd"}); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestSetLogLevel(t *testing.T) {
	if err := setLogLevel("debug"); err != nil {
		t.Fatalf("debug: %v", err)
	}
	if err := setLogLevel("loud"); err == nil {
		t.Error("invalid level accepted")
	}
	if err := setLogLevel("info"); err != nil {
		t.Fatal(err)
	}
}

func TestDrainRemoteReadsTracks(t *testing.T) {
	done := make(chan struct{})
	reads := 0
	read := func() (*rtp.Packet, error) {
		reads++
		if reads > 3 {
			close(done)
			return nil, io.EOF
		}
		return &rtp.Packet{}, nil
	}

	rs := media.NewRemoteStream("gc-bob-1")
	drainRemote(rs)
	rs.Add(media.NewRemoteTrack(media.Audio, "a", "opus", read))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("remote track was not drained")
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := WaitTCP(ln.Addr().String(), time.Second); err != nil {
		t.Fatalf("WaitTCP: %v", err)
	}
}
