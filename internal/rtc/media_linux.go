//go:build linux && cgo

package rtc

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes VP8 + Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource prepares the VP8 and Opus encoders. Devices are opened
// by GetUserMedia.
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// RegisterCodecs adds the codecs the encoders produce.
func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// GetUserMedia opens camera and microphone together. There is no audio-only
// or video-only retry: if either device fails the call has no local media.
func (d *DeviceSource) GetUserMedia() ([]LocalTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoMediaDevices
	}
	for _, dev := range devices {
		log.Printf("RTC: media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes whose
			// malformed frames poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMediaDevices, err)
	}

	var tracks []LocalTrack
	for _, t := range stream.GetTracks() {
		t := t
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("RTC: local %s track ended: %v", t.Kind(), err)
			}
		})
		tracks = append(tracks, t)
	}
	return tracks, nil
}
