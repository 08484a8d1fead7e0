package rtc

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func TestEBMLVint(t *testing.T) {
	tests := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{5, []byte{0x85}},
		{0x7F, []byte{0x40, 0x7F}},
		{300, []byte{0x41, 0x2C}},
		{0x4000, []byte{0x20, 0x40, 0x00}},
	}
	for _, tt := range tests {
		if got := ebmlVint(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("ebmlVint(%d) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestVP8Dimensions(t *testing.T) {
	w, h, ok := vp8Dimensions(syntheticVP8(320, 240, true, 0))
	if !ok || w != 320 || h != 240 {
		t.Fatalf("got %dx%d ok=%v", w, h, ok)
	}
	if _, _, ok := vp8Dimensions(syntheticVP8(320, 240, false, 0)); ok {
		t.Fatal("interframe reported dimensions")
	}
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestMuxerWaitsForKeyframe(t *testing.T) {
	m := newWebmMuxer("test")
	ch, cancel := m.subscribe()
	defer cancel()

	m.videoFrame(1000, false, syntheticVP8(320, 240, false, 1))
	select {
	case <-ch:
		t.Fatal("output before the first keyframe")
	default:
	}

	m.videoFrame(1100, true, syntheticVP8(320, 240, true, 2))
	initSeg := recv(t, ch)
	if !bytes.HasPrefix(initSeg, idEBML) || !bytes.Contains(initSeg, []byte("V_VP8")) {
		t.Fatalf("init segment = %x", initSeg[:16])
	}
	if bytes.Contains(initSeg, []byte("A_OPUS")) {
		t.Fatal("audio track without enableAudio")
	}
	cluster := recv(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatalf("cluster = %x", cluster[:8])
	}

	// Late subscribers start from the init segment and the keyframe.
	late, cancelLate := m.subscribe()
	defer cancelLate()
	if !bytes.Equal(recv(t, late), initSeg) || !bytes.Equal(recv(t, late), cluster) {
		t.Fatal("late subscriber did not get init + keyframe cluster")
	}
}

func TestMuxerDrainsAudioIntoCluster(t *testing.T) {
	m := newWebmMuxer("test")
	m.enableAudio()
	ch, cancel := m.subscribe()
	defer cancel()

	m.videoFrame(0, true, syntheticVP8(320, 240, true, 0))
	if initSeg := recv(t, ch); !bytes.Contains(initSeg, []byte("A_OPUS")) {
		t.Fatal("init segment lacks the audio track")
	}
	recv(t, ch)

	m.audioFrame(5000, opusSilence)
	m.audioFrame(5020, opusSilence)
	m.videoFrame(100, false, syntheticVP8(320, 240, false, 1))
	cluster := recv(t, ch)
	// Audio block: track vint 0x82, relative time 0.
	if !bytes.Contains(cluster, []byte{0x82, 0x00, 0x00}) {
		t.Fatalf("no audio block in cluster %x", cluster)
	}

	m.reset()
	m.videoFrame(0, false, syntheticVP8(320, 240, false, 2))
	select {
	case <-ch:
		t.Fatal("output after reset before a keyframe")
	default:
	}
}

func TestWebMSinkDepacketizesVP8(t *testing.T) {
	s := NewWebMSink("test")
	ch, cancel := s.Subscribe()
	defer cancel()
	s.TrackStarted(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)

	// One frame per packet: VP8 payload descriptor with S=1, then the frame.
	frame := func(seq uint16, ts uint32, key bool) *rtp.Packet {
		payload := append([]byte{0x10}, syntheticVP8(320, 240, key, byte(seq))...)
		return &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: ts, Marker: true},
			Payload: payload,
		}
	}
	for i := uint16(0); i < 4; i++ {
		s.WriteRTP(webrtc.RTPCodecTypeVideo, frame(100+i, 9000*uint32(i+1), i == 0))
	}
	if s.Packets(webrtc.RTPCodecTypeVideo) != 4 {
		t.Fatalf("packets = %d", s.Packets(webrtc.RTPCodecTypeVideo))
	}
	if initSeg := recv(t, ch); !bytes.HasPrefix(initSeg, idEBML) {
		t.Fatal("expected init segment")
	}

	s.Reset()
	if s.Packets(webrtc.RTPCodecTypeVideo) != 0 {
		t.Fatal("Reset kept counters")
	}
}
