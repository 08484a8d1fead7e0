package rtc

import (
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// RemoteSink receives the remote participant's media, the headless stand-in
// for a video element.
type RemoteSink interface {
	// TrackStarted is called once per remote track before its packets.
	TrackStarted(kind webrtc.RTPCodecType, mimeType string)
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet)
	// Reset is called when the call ends.
	Reset()
}

type discardSink struct{}

func (discardSink) TrackStarted(webrtc.RTPCodecType, string)  {}
func (discardSink) WriteRTP(webrtc.RTPCodecType, *rtp.Packet) {}
func (discardSink) Reset()                                    {}

// Packets a sample builder may hold back waiting for reordered ones.
const maxLatePackets = 50

// WebMSink reassembles VP8 and Opus frames from RTP and muxes them into a
// live WebM stream that subscribers can play.
type WebMSink struct {
	mu    sync.Mutex
	video *samplebuilder.SampleBuilder
	audio *samplebuilder.SampleBuilder
	mux   *webmMuxer

	packets map[webrtc.RTPCodecType]int
}

// NewWebMSink returns a sink; label tags its log lines.
func NewWebMSink(label string) *WebMSink {
	return &WebMSink{mux: newWebmMuxer(label), packets: make(map[webrtc.RTPCodecType]int)}
}

func (s *WebMSink) TrackStarted(kind webrtc.RTPCodecType, mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case kind == webrtc.RTPCodecTypeVideo && strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		s.video = samplebuilder.New(maxLatePackets, &codecs.VP8Packet{}, 90000)
	case kind == webrtc.RTPCodecTypeAudio && strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		s.audio = samplebuilder.New(maxLatePackets, &codecs.OpusPacket{}, 48000)
		s.mux.enableAudio()
	}
}

// WriteRTP reorders packets and muxes every completed frame.
func (s *WebMSink) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets[kind]++
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		if s.video == nil {
			return
		}
		s.video.Push(pkt)
		for sample := s.video.Pop(); sample != nil; sample = s.video.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 frame tag: bit 0 clear marks a keyframe.
			key := sample.Data[0]&0x01 == 0
			s.mux.videoFrame(int64(sample.PacketTimestamp)/90, key, sample.Data)
		}
	case webrtc.RTPCodecTypeAudio:
		if s.audio == nil {
			return
		}
		s.audio.Push(pkt)
		for sample := s.audio.Pop(); sample != nil; sample = s.audio.Pop() {
			s.mux.audioFrame(int64(sample.PacketTimestamp)/48, sample.Data)
		}
	}
}

// Reset drops partial frames and starts a new stream for the next call.
func (s *WebMSink) Reset() {
	s.mu.Lock()
	s.video, s.audio = nil, nil
	s.packets = make(map[webrtc.RTPCodecType]int)
	s.mu.Unlock()
	s.mux.reset()
}

// Packets returns how many RTP packets of the kind arrived since the last
// Reset.
func (s *WebMSink) Packets(kind webrtc.RTPCodecType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[kind]
}

// Subscribe returns the WebM stream: the init segment and last keyframe
// cluster when available, then live clusters. cancel closes the channel.
func (s *WebMSink) Subscribe() (<-chan []byte, func()) {
	return s.mux.subscribe()
}
