package rtc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticSource produces generated VP8 and Opus samples instead of opening
// devices. Video frames carry a valid VP8 frame tag and keyframe header (so
// receivers can detect keyframes and dimensions) over an opaque payload;
// audio is Opus silence.
type SyntheticSource struct {
	Width, Height uint16        // default 320x240
	FrameInterval time.Duration // default 100ms
	KeyframeEvery int           // default every 30th frame
}

const opusFrameDuration = 20 * time.Millisecond

// A single 20ms CELT silence frame.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

func (s *SyntheticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// GetUserMedia starts one generated video and one audio track. Closing a
// track stops its generator.
func (s *SyntheticSource) GetUserMedia() ([]LocalTrack, error) {
	streamID := "synthetic-" + uuid.NewString()
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, err
	}

	w, h := s.Width, s.Height
	if w == 0 || h == 0 {
		w, h = 320, 240
	}
	interval := s.FrameInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	every := s.KeyframeEvery
	if every <= 0 {
		every = 30
	}

	n := 0
	nextVideo := func() []byte {
		frame := syntheticVP8(w, h, n%every == 0, byte(n))
		n++
		return frame
	}
	nextAudio := func() []byte { return opusSilence }

	return []LocalTrack{
		startSampleTrack(video, interval, nextVideo),
		startSampleTrack(audio, opusFrameDuration, nextAudio),
	}, nil
}

// syntheticVP8 builds a frame with the RFC 6386 frame tag. Keyframes add the
// start code and the 14-bit dimensions.
func syntheticVP8(w, h uint16, key bool, fill byte) []byte {
	const payload = 64
	if key {
		b := make([]byte, 10+payload)
		// show_frame=1, version 0, keyframe bit clear
		b[0], b[1], b[2] = 0x10, 0x02, 0x00
		b[3], b[4], b[5] = 0x9D, 0x01, 0x2A
		b[6], b[7] = byte(w), byte(w>>8)&0x3F
		b[8], b[9] = byte(h), byte(h>>8)&0x3F
		for i := 10; i < len(b); i++ {
			b[i] = fill
		}
		return b
	}
	b := make([]byte, 3+payload)
	b[0], b[1], b[2] = 0x11, 0x02, 0x00
	for i := 3; i < len(b); i++ {
		b[i] = fill
	}
	return b
}

// sampleTrack writes generated samples until closed. Writes while the track
// is not bound to a sender are no-ops in pion.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
	stop chan struct{}
	once sync.Once
}

func startSampleTrack(t *webrtc.TrackLocalStaticSample, every time.Duration, next func() []byte) *sampleTrack {
	st := &sampleTrack{TrackLocalStaticSample: t, stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-st.stop:
				return
			case <-ticker.C:
				// A closed peer connection surfaces here; the track keeps
				// ticking until Close so an unmute can resume it.
				_ = t.WriteSample(media.Sample{Data: next(), Duration: every})
			}
		}
	}()
	return st
}

func (t *sampleTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
