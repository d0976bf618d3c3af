package media

import (
	"io"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func TestTrackStopOnce(t *testing.T) {
	stops := 0
	tr := NewTrack(Audio, nil, func() { stops++ })
	tr.Stop()
	tr.Stop()
	if stops != 1 {
		t.Fatalf("stop ran %d times, want 1", stops)
	}
	if !tr.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
}

func TestTrackToggleHooks(t *testing.T) {
	tr := NewTrack(Video, nil, nil)
	if !tr.Enabled() {
		t.Fatal("new track should be enabled")
	}
	var seen []bool
	tr.OnToggle(func(on bool) { seen = append(seen, on) })

	tr.SetEnabled(false)
	tr.SetEnabled(false)
	tr.SetEnabled(true)
	if len(seen) != 2 || seen[0] != false || seen[1] != true {
		t.Fatalf("hook calls = %v, want [false true]", seen)
	}
}

func TestStreamTracks(t *testing.T) {
	a := NewTrack(Audio, nil, nil)
	s := NewStream(a)
	if s.HasVideo() || s.VideoTrack() != nil {
		t.Error("audio stream reports video")
	}
	if s.AudioTrack() != a {
		t.Error("AudioTrack mismatch")
	}

	v := NewTrack(Video, nil, nil)
	s = NewStream(a, v)
	if !s.HasVideo() || s.VideoTrack() != v {
		t.Error("video track missing")
	}
	s.Stop()
	if !a.Stopped() || !v.Stopped() {
		t.Error("Stream.Stop left a track running")
	}
}

func TestRemoteStreamOnTrack(t *testing.T) {
	rs := NewRemoteStream("gc-peer")
	first := NewRemoteTrack(Audio, "a", webrtc.MimeTypeOpus, nil)
	rs.Add(first)

	var got []string
	rs.OnTrack(func(tr *RemoteTrack) { got = append(got, tr.ID) })
	rs.Add(NewRemoteTrack(Video, "v", webrtc.MimeTypeVP8, nil))

	if len(got) != 2 || got[0] != "a" || got[1] != "v" {
		t.Fatalf("OnTrack saw %v", got)
	}
	if len(rs.Tracks()) != 2 {
		t.Fatalf("Tracks() = %d", len(rs.Tracks()))
	}
}

func TestRemoteTrackDrain(t *testing.T) {
	pkts := []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1}},
		{Header: rtp.Header{SequenceNumber: 2}},
	}
	i := 0
	tr := NewRemoteTrack(Audio, "a", webrtc.MimeTypeOpus, func() (*rtp.Packet, error) {
		if i == len(pkts) {
			return nil, io.EOF
		}
		i++
		return pkts[i-1], nil
	})
	var seqs []uint16
	n := tr.Drain(func(p *rtp.Packet) { seqs = append(seqs, p.SequenceNumber) })
	if n != 2 || len(seqs) != 2 || seqs[1] != 2 {
		t.Fatalf("Drain = %d, seqs %v", n, seqs)
	}

	empty := NewRemoteTrack(Audio, "x", "", nil)
	if _, err := empty.ReadRTP(); err == nil {
		t.Error("ReadRTP without reader should fail")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(webrtc.RTPCodecTypeVideo) != Video || KindOf(webrtc.RTPCodecTypeAudio) != Audio {
		t.Error("KindOf mapping wrong")
	}
}
