package rtc

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"sync"
)

// EBML/WebM writer for the remote view. The stream is one init segment
// (EBML header, Segment of unknown size, Info, Tracks) followed by clusters,
// each a self-contained binary message for a Media Source Extensions player.

func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// Unknown-size marker for the streaming Segment.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id []byte, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, len(id)+8+n)
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(n))...)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

const (
	trackVideo = 1
	trackAudio = 2
)

// OpusHead for mono 48 kHz, 312 samples pre-skip.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01, 0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

func webmInitSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer
	buf.Write(ebmlElem(idEBML,
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	))

	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)

	buf.Write(ebmlElem(idInfo,
		ebmlElem(idTcScale, ebmlUint(1_000_000)), // timecodes in ms
		ebmlElem(idMuxApp, []byte("consultcall")),
		ebmlElem(idWrtApp, []byte("consultcall")),
	))

	tracks := ebmlElem(idTrackEntry,
		ebmlElem(idTrackNum, ebmlUint(trackVideo)),
		ebmlElem(idTrackUID, ebmlUint(trackVideo)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo,
			ebmlElem(idPixelW, ebmlUint(uint64(width))),
			ebmlElem(idPixelH, ebmlUint(uint64(height))),
		),
	)
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = append(tracks, ebmlElem(idTrackEntry,
			ebmlElem(idTrackNum, ebmlUint(trackAudio)),
			ebmlElem(idTrackUID, ebmlUint(trackAudio)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio,
				ebmlElem(idSampFreq, freq),
				ebmlElem(idChannels, ebmlUint(1)),
			),
		)...)
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

// webmCluster uses a known size so players need not scan for the next one.
func webmCluster(startMs int64, blocks []byte) []byte {
	return ebmlElem(idCluster, ebmlElem(idTimecode, ebmlUint(uint64(startMs))), blocks)
}

func webmSimpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	head := ebmlVint(uint64(track))
	hdr := make([]byte, len(head)+3)
	copy(hdr, head)
	binary.BigEndian.PutUint16(hdr[len(head):], uint16(relMs))
	if keyframe {
		hdr[len(head)+2] = 0x80
	}
	return ebmlElem(idSimpleBlock, hdr, data)
}

// vp8Dimensions reads width and height from a keyframe header.
func vp8Dimensions(frame []byte) (w, h uint16, ok bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF,
		binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF, true
}

type audioFrame struct {
	ms   int64
	data []byte
}

// webmMuxer turns timed VP8 and Opus frames into a live WebM stream and
// fans it out to subscribers. Nothing is emitted before the first video
// keyframe. Each video frame closes a cluster; audio is queued and drained
// into the next one.
type webmMuxer struct {
	mu    sync.Mutex
	label string

	hasAudio      bool
	width, height uint16
	initSeg       []byte

	// Replayed to late subscribers so their decoder starts clean.
	lastKeyCluster []byte

	audioQ []audioFrame

	// First frame of each track is t=0; RTP clocks start at random values.
	baseVideo, baseAudio       int64
	baseVideoSet, baseAudioSet bool

	subs map[chan []byte]struct{}
}

func newWebmMuxer(label string) *webmMuxer {
	return &webmMuxer{label: label, subs: make(map[chan []byte]struct{})}
}

// enableAudio adds the Opus track. It only affects an init segment that has
// not been written yet.
func (m *webmMuxer) enableAudio() {
	m.mu.Lock()
	m.hasAudio = true
	m.mu.Unlock()
}

// reset forgets the stream but keeps the subscribers, who receive a fresh
// init segment on the next keyframe.
func (m *webmMuxer) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasAudio = false
	m.width, m.height = 0, 0
	m.initSeg = nil
	m.lastKeyCluster = nil
	m.audioQ = nil
	m.baseVideoSet, m.baseAudioSet = false, false
}

func (m *webmMuxer) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	m.mu.Lock()
	if m.initSeg != nil {
		ch <- m.initSeg
		if m.lastKeyCluster != nil {
			ch <- m.lastKeyCluster
		}
	}
	m.subs[ch] = struct{}{}
	n := len(m.subs)
	m.mu.Unlock()
	log.Printf("RTC [%s]: remote view subscriber added (total=%d)", m.label, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			n := len(m.subs)
			m.mu.Unlock()
			close(ch)
			log.Printf("RTC [%s]: remote view subscriber removed (total=%d)", m.label, n)
		})
	}
}

func (m *webmMuxer) videoFrame(ms int64, keyframe bool, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseVideoSet {
		m.baseVideo, m.baseVideoSet = ms, true
	}
	ts := ms - m.baseVideo

	if m.initSeg == nil {
		if !keyframe {
			return
		}
		w, h, ok := vp8Dimensions(data)
		if !ok {
			w, h = 640, 480
		}
		m.width, m.height = w, h
		m.initSeg = webmInitSegment(w, h, m.hasAudio)
		log.Printf("RTC [%s]: remote view VP8 %dx%d audio=%v", m.label, w, h, m.hasAudio)
		m.broadcastLocked(m.initSeg)
	}

	// Anchor at the earliest queued audio so audio blocks never go negative.
	start := ts
	if len(m.audioQ) > 0 && m.audioQ[0].ms < ts {
		start = m.audioQ[0].ms
	}

	var blocks bytes.Buffer
	if m.hasAudio {
		for _, af := range m.audioQ {
			rel := af.ms - start
			if rel < -30000 || rel > 30000 {
				continue
			}
			blocks.Write(webmSimpleBlock(trackAudio, int16(rel), false, af.data))
		}
	}
	m.audioQ = m.audioQ[:0]
	blocks.Write(webmSimpleBlock(trackVideo, int16(ts-start), keyframe, data))

	cluster := webmCluster(start, blocks.Bytes())
	if keyframe {
		m.lastKeyCluster = cluster
	}
	m.broadcastLocked(cluster)
}

func (m *webmMuxer) audioFrame(ms int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.baseAudioSet {
		m.baseAudio, m.baseAudioSet = ms, true
	}
	if m.initSeg == nil {
		return
	}
	if len(m.audioQ) >= maxQueuedAudio {
		m.audioQ = m.audioQ[1:]
	}
	m.audioQ = append(m.audioQ, audioFrame{ms - m.baseAudio, append([]byte(nil), data...)})
}

// Ten seconds of 20ms Opus frames; bounds the queue while video is muted.
const maxQueuedAudio = 500

// broadcastLocked drops the message for subscribers that are behind.
func (m *webmMuxer) broadcastLocked(msg []byte) {
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
