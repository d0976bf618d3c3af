//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Device captures camera and microphone through pion/mediadevices (V4L2 +
// malgo). Its codec selector must also populate the MediaEngine of every
// PeerConnection the tracks are added to.
type Device struct {
	cfg      Config
	selector *mediadevices.CodecSelector
}

func NewDevice(cfg Config) (*Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Device{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs adds the capture codecs (VP8, Opus) to me.
func (d *Device) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire opens the microphone, and the camera for video calls. A video call
// whose camera cannot be opened falls back to audio only; no microphone is
// ErrPermissionDenied.
func (d *Device) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no media devices found by pion/mediadevices")
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio"}}
	if kind == Video {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG nodes on some cameras produce frames
				// the VP8 encoder chokes on.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.cfg.VideoWidth}
				c.Height = prop.IntRanged{Max: d.cfg.VideoHeight}
			}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := ms.GetTracks()
		if a.video && !videoEncodes(tracks) {
			log.Warnf("video encoder broken, skipping attempt (%s)", a.label)
			for _, t := range tracks {
				t.Close()
			}
			lastErr = fmt.Errorf("video encoder unavailable")
			continue
		}

		out := make([]*Track, 0, len(tracks))
		for _, t := range tracks {
			mt := t
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("local %s track ended: %v", mt.Kind(), err)
				}
			})
			out = append(out, NewTrack(KindOf(mt.Kind()), mt, func() { mt.Close() }))
		}
		log.Infof("local media captured (%s): %d tracks", a.label, len(out))
		return NewStream(out...), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, lastErr)
}

// videoEncodes probes the VP8 encoder of every video track. A poisoned
// encoder would make SetRemoteDescription fail later.
func videoEncodes(tracks []mediadevices.Track) bool {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return false
		}
		r.Close()
	}
	return true
}
