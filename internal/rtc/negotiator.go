package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/util"
)

const handlerKey = "rtc"

var (
	ErrNoRoom     = errors.New("rtc: not in a room")
	ErrCallActive = errors.New("rtc: call already active")
	ErrNoTrack    = errors.New("rtc: no local track of that kind")
)

// Options configures a Negotiator. Only Signaler is required.
type Options struct {
	Signaler proto.Signaler
	API      *webrtc.API // built with NewAPI for Media when nil

	ICEServers []string
	Media      MediaSource // nil joins calls receive-only
	Sink       RemoteSink
	Notifier   notify.Notifier

	// How often a keyframe is requested from the remote video track.
	// Zero disables picture loss indications.
	PLIInterval time.Duration

	// Answer a peer's call-request with call-accepted without asking.
	AutoAccept bool
}

type localSender struct {
	track  LocalTrack
	sender *webrtc.RTPSender
	muted  bool
}

// Negotiator owns at most one peer connection, for the room it joined.
type Negotiator struct {
	opts Options

	// Serializes offer and answer handling so two negotiations never race
	// for the peer connection slot.
	negMu sync.Mutex

	mu      sync.Mutex
	room    string
	pc      *webrtc.PeerConnection
	locals  []*localSender
	pending []webrtc.ICECandidateInit
	stop    chan struct{}
}

// New returns a negotiator outside any room. Call Register, then JoinRoom.
func New(opts Options) (*Negotiator, error) {
	if opts.Signaler == nil {
		return nil, errors.New("rtc: signaler is required")
	}
	if opts.API == nil {
		api, err := NewAPI(APIConfig{}, opts.Media)
		if err != nil {
			return nil, fmt.Errorf("rtc api: %w", err)
		}
		opts.API = api
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	return &Negotiator{opts: opts}, nil
}

// Register installs the room signaling handlers. Calling it again replaces
// them.
func (n *Negotiator) Register() {
	sig := n.opts.Signaler
	sig.On(proto.EventOffer, handlerKey, n.handleOffer)
	sig.On(proto.EventAnswer, handlerKey, n.handleAnswer)
	sig.On(proto.EventICECandidate, handlerKey, n.handleCandidate)
	sig.On(proto.EventCallRequest, handlerKey, n.handleCallRequest)
	sig.On(proto.EventCallAccepted, handlerKey, n.handleCallAccepted)
	sig.On(proto.EventCallRejected, handlerKey, n.handleCallRejected)
	sig.On(proto.EventReconnect, handlerKey, n.handleReconnect)
}

// Unregister removes the signaling handlers. A live call keeps running.
func (n *Negotiator) Unregister() {
	for _, ev := range []string{
		proto.EventOffer, proto.EventAnswer, proto.EventICECandidate,
		proto.EventCallRequest, proto.EventCallAccepted, proto.EventCallRejected,
		proto.EventReconnect,
	} {
		n.opts.Signaler.Off(ev, handlerKey)
	}
}

// JoinRoom makes roomID the negotiator's room and announces it to the relay.
// Joining a different room first ends the call and leaves the old one.
func (n *Negotiator) JoinRoom(roomID string) error {
	id, err := util.ValidateID(roomID)
	if err != nil {
		return fmt.Errorf("room id: %w", err)
	}
	if prev := n.Room(); prev != "" && prev != id {
		if err := n.LeaveRoom(); err != nil {
			log.Printf("RTC [%s]: leave room: %v", prev, err)
		}
	}
	n.mu.Lock()
	n.room = id
	n.mu.Unlock()
	log.Printf("RTC [%s]: joining room", id)
	return n.opts.Signaler.Emit(proto.JoinRoom{RoomID: id})
}

// LeaveRoom ends any call and leaves the room.
func (n *Negotiator) LeaveRoom() error {
	n.EndCall()
	n.mu.Lock()
	room := n.room
	n.room = ""
	n.mu.Unlock()
	if room == "" {
		return nil
	}
	return n.opts.Signaler.Emit(proto.LeaveRoom{RoomID: room})
}

// Room returns the joined room, or "".
func (n *Negotiator) Room() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.room
}

// RequestCall asks the other member of the room to accept a call. Their
// call-accepted starts the offer from this side.
func (n *Negotiator) RequestCall() error {
	room := n.Room()
	if room == "" {
		return ErrNoRoom
	}
	return n.opts.Signaler.Emit(proto.CallRequest{RoomID: room})
}

// StartCall acquires local media, creates the peer connection and sends the
// offer.
func (n *Negotiator) StartCall(ctx context.Context) error {
	n.negMu.Lock()
	defer n.negMu.Unlock()

	room := n.Room()
	if room == "" {
		return ErrNoRoom
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pc, err := n.newPeerConnection(room)
	if err != nil {
		return err
	}
	if err := n.attachMedia(room, pc, true); err != nil {
		n.EndCall()
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.EndCall()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.EndCall()
		return fmt.Errorf("set local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		n.EndCall()
		return err
	}

	log.Printf("RTC [%s]: sending offer", room)
	return n.opts.Signaler.Emit(proto.Offer{
		RoomID: room,
		Offer:  proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	})
}

// EndCall closes the peer connection and stops the local tracks. Calling it
// with no call active does nothing.
func (n *Negotiator) EndCall() {
	n.mu.Lock()
	pc, locals, stop, room := n.pc, n.locals, n.stop, n.room
	n.pc, n.locals, n.stop, n.pending = nil, nil, nil, nil
	n.mu.Unlock()

	if pc == nil {
		return
	}
	if stop != nil {
		close(stop)
	}
	if err := pc.Close(); err != nil {
		log.Printf("RTC [%s]: close peer connection: %v", room, err)
	}
	for _, l := range locals {
		l.track.Close()
	}
	n.opts.Sink.Reset()
	log.Printf("RTC [%s]: call ended", room)
}

// ToggleMuteAudio flips the first local audio track and returns the new
// muted state.
func (n *Negotiator) ToggleMuteAudio() (bool, error) {
	return n.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleMuteVideo flips the first local video track and returns the new
// muted state.
func (n *Negotiator) ToggleMuteVideo() (bool, error) {
	return n.toggle(webrtc.RTPCodecTypeVideo)
}

// toggle swaps the sender's track for nil and back, so muting never needs a
// renegotiation.
func (n *Negotiator) toggle(kind webrtc.RTPCodecType) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.locals {
		if l.track.Kind() != kind {
			continue
		}
		var err error
		if l.muted {
			err = l.sender.ReplaceTrack(l.track)
		} else {
			err = l.sender.ReplaceTrack(nil)
		}
		if err != nil {
			return l.muted, fmt.Errorf("replace %s track: %w", kind, err)
		}
		l.muted = !l.muted
		log.Printf("RTC [%s]: %s muted=%v", n.room, kind, l.muted)
		return l.muted, nil
	}
	return false, ErrNoTrack
}

// State is a snapshot for the console.
type State struct {
	Room       string `json:"room,omitempty"`
	Active     bool   `json:"active"`
	Connection string `json:"connection,omitempty"`
	HasAudio   bool   `json:"hasAudio"`
	HasVideo   bool   `json:"hasVideo"`
	AudioMuted bool   `json:"audioMuted"`
	VideoMuted bool   `json:"videoMuted"`
}

// State returns the room, call and mute state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := State{Room: n.room, Active: n.pc != nil}
	if n.pc != nil {
		st.Connection = n.pc.ConnectionState().String()
	}
	for _, l := range n.locals {
		switch l.track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if !st.HasAudio {
				st.HasAudio, st.AudioMuted = true, l.muted
			}
		case webrtc.RTPCodecTypeVideo:
			if !st.HasVideo {
				st.HasVideo, st.VideoMuted = true, l.muted
			}
		}
	}
	return st
}

// ── Peer connection ──────────────────────────────────────────────────────────

// newPeerConnection claims the call slot for a new connection.
func (n *Negotiator) newPeerConnection(room string) (*webrtc.PeerConnection, error) {
	n.mu.Lock()
	busy := n.pc != nil
	n.mu.Unlock()
	if busy {
		return nil, ErrCallActive
	}

	pc, err := n.opts.API.NewPeerConnection(webrtc.Configuration{
		ICEServers: ICEServers(n.opts.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	stop := make(chan struct{})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		if err := n.opts.Signaler.Emit(proto.ICECandidate{RoomID: room, Candidate: fromPionCandidate(c.ToJSON())}); err != nil {
			log.Printf("RTC [%s]: send candidate: %v", room, err)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go n.forward(room, pc, track, stop)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection %s", room, s)
		if s == webrtc.PeerConnectionStateFailed {
			n.opts.Notifier.Notify(notify.Event{
				Kind: notify.KindToast, AppointmentID: room,
				Level: notify.LevelError, Message: "Video connection lost",
			})
		}
	})

	n.mu.Lock()
	n.pc, n.stop = pc, stop
	n.mu.Unlock()
	return pc, nil
}

// attachMedia adds the local tracks. Without a media source the offerer
// adds recvonly transceivers; the answerer already has them from the offer.
func (n *Negotiator) attachMedia(room string, pc *webrtc.PeerConnection, offerer bool) error {
	if n.opts.Media == nil {
		if offerer {
			addRecvOnlyTransceivers(room, pc)
		}
		return nil
	}

	tracks, err := n.opts.Media.GetUserMedia()
	if err != nil {
		log.Printf("RTC [%s]: media acquisition failed: %v", room, err)
		n.opts.Notifier.Notify(notify.Event{
			Kind: notify.KindToast, AppointmentID: room,
			Level: notify.LevelError, Message: "Could not access camera or microphone",
		})
		return fmt.Errorf("get user media: %w", err)
	}

	var locals []*localSender
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			log.Printf("RTC [%s]: AddTrack(%s) error: %v", room, t.Kind(), err)
			t.Close()
			continue
		}
		go drainRTCP(sender)
		locals = append(locals, &localSender{track: t, sender: sender})
	}
	log.Printf("RTC [%s]: local media attached (%d tracks)", room, len(locals))

	n.mu.Lock()
	n.locals = append(n.locals, locals...)
	n.mu.Unlock()
	return nil
}

// drainRTCP reads incoming RTCP so the sender's interceptors run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// forward copies a remote track into the sink and keeps asking for
// keyframes on video.
func (n *Negotiator) forward(room string, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, stop <-chan struct{}) {
	kind := track.Kind()
	codec := track.Codec()
	log.Printf("RTC [%s]: remote %s track %s", room, kind, codec.MimeType)
	n.opts.Sink.TrackStarted(kind, codec.MimeType)

	if kind == webrtc.RTPCodecTypeVideo && n.opts.PLIInterval > 0 {
		go func() {
			ticker := time.NewTicker(n.opts.PLIInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					}); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		n.opts.Sink.WriteRTP(kind, pkt)
	}
}

func (n *Negotiator) flushCandidates(pc *webrtc.PeerConnection, room string) {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("RTC [%s]: queued candidate: %v", room, err)
		}
	}
}

// ── Signaling handlers ───────────────────────────────────────────────────────

func (n *Negotiator) inRoom(room string) bool {
	current := n.Room()
	return current != "" && current == room
}

func (n *Negotiator) handleOffer(msg proto.Message) {
	m, ok := msg.(proto.Offer)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	n.negMu.Lock()
	defer n.negMu.Unlock()

	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	// An offer on a live connection is a renegotiation.
	fresh := pc == nil
	if fresh {
		var err error
		if pc, err = n.newPeerConnection(m.RoomID); err != nil {
			log.Printf("RTC [%s]: answer: %v", m.RoomID, err)
			return
		}
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: m.Offer.SDP,
	}); err != nil {
		log.Printf("RTC [%s]: set remote offer: %v", m.RoomID, err)
		if fresh {
			n.EndCall()
		}
		return
	}
	n.flushCandidates(pc, m.RoomID)

	if fresh {
		if err := n.attachMedia(m.RoomID, pc, false); err != nil {
			n.EndCall()
			return
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("RTC [%s]: create answer: %v", m.RoomID, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("RTC [%s]: set local answer: %v", m.RoomID, err)
		return
	}
	log.Printf("RTC [%s]: sending answer", m.RoomID)
	if err := n.opts.Signaler.Emit(proto.Answer{
		RoomID: m.RoomID,
		Answer: proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	}); err != nil {
		log.Printf("RTC [%s]: send answer: %v", m.RoomID, err)
	}
}

func (n *Negotiator) handleAnswer(msg proto.Message) {
	m, ok := msg.(proto.Answer)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("RTC [%s]: unexpected answer ignored", m.RoomID)
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: m.Answer.SDP,
	}); err != nil {
		log.Printf("RTC [%s]: set remote answer: %v", m.RoomID, err)
		return
	}
	n.flushCandidates(pc, m.RoomID)
}

// handleCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (n *Negotiator) handleCandidate(msg proto.Message) {
	m, ok := msg.(proto.ICECandidate)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	c := toPionCandidate(m.Candidate)
	n.mu.Lock()
	pc := n.pc
	if pc == nil || pc.RemoteDescription() == nil {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	if err := pc.AddICECandidate(c); err != nil {
		log.Printf("RTC [%s]: add candidate: %v", m.RoomID, err)
	}
}

func (n *Negotiator) handleCallRequest(msg proto.Message) {
	m, ok := msg.(proto.CallRequest)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	if !n.opts.AutoAccept {
		n.opts.Notifier.Notify(notify.Event{
			Kind: notify.KindToast, AppointmentID: m.RoomID,
			Level: notify.LevelInfo, Message: "The other participant wants to start the call",
		})
		return
	}
	if err := n.opts.Signaler.Emit(proto.CallAccepted{RoomID: m.RoomID}); err != nil {
		log.Printf("RTC [%s]: accept call request: %v", m.RoomID, err)
	}
}

// AcceptCallRequest answers a pending call-request by hand.
func (n *Negotiator) AcceptCallRequest() error {
	room := n.Room()
	if room == "" {
		return ErrNoRoom
	}
	return n.opts.Signaler.Emit(proto.CallAccepted{RoomID: room})
}

func (n *Negotiator) handleCallAccepted(msg proto.Message) {
	m, ok := msg.(proto.CallAccepted)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	if err := n.StartCall(context.Background()); err != nil && !errors.Is(err, ErrCallActive) {
		log.Printf("RTC [%s]: start call: %v", m.RoomID, err)
	}
}

func (n *Negotiator) handleCallRejected(msg proto.Message) {
	m, ok := msg.(proto.CallRejected)
	if !ok || !n.inRoom(m.RoomID) {
		return
	}
	log.Printf("RTC [%s]: call request declined", m.RoomID)
	n.opts.Notifier.Notify(notify.Event{
		Kind: notify.KindToast, AppointmentID: m.RoomID,
		Level: notify.LevelWarning, Message: "The other participant declined the call",
	})
}

// handleReconnect rejoins the room; the relay forgets rooms with the old
// connection.
func (n *Negotiator) handleReconnect(proto.Message) {
	room := n.Room()
	if room == "" {
		return
	}
	if err := n.opts.Signaler.Emit(proto.JoinRoom{RoomID: room}); err != nil {
		log.Printf("RTC [%s]: rejoin: %v", room, err)
	}
}

func toPionCandidate(c proto.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) proto.ICECandidateInit {
	return proto.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
