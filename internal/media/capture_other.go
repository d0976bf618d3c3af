//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Device provides sample tracks on platforms without a mediadevices driver.
// Audio carries Opus silence so the remote side sees a live stream; video is
// registered but sends nothing.
type Device struct {
	cfg Config
}

func NewDevice(cfg Config) (*Device, error) {
	return &Device{cfg: cfg}, nil
}

// RegisterCodecs registers pion's default codec set on me.
func (d *Device) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Device) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "goopcall-" + uuid.NewString()[:8]

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	stop := make(chan struct{})
	audioTrack := NewTrack(Audio, audio, func() { close(stop) })
	go writeSilence(audio, audioTrack, stop)

	tracks := []*Track{audioTrack}
	if kind == Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			audioTrack.Stop()
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		tracks = append(tracks, NewTrack(Video, video, nil))
	}
	log.Infof("sample media ready (%s): %d tracks", kind, len(tracks))
	return NewStream(tracks...), nil
}

func writeSilence(w *webrtc.TrackLocalStaticSample, t *Track, stop <-chan struct{}) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			if err := w.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frame}); err != nil {
				log.Debugf("write silence: %v", err)
			}
		}
	}
}
