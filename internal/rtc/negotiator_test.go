package rtc

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/proto/prototest"
)

func newNegotiator(t *testing.T, media MediaSource, autoAccept bool) (*Negotiator, *prototest.Bus, *notify.Recorder) {
	t.Helper()
	bus := prototest.NewBus()
	rec := &notify.Recorder{}
	n, err := New(Options{Signaler: bus, Media: media, Notifier: rec, AutoAccept: autoAccept})
	if err != nil {
		t.Fatal(err)
	}
	n.Register()
	t.Cleanup(n.EndCall)
	return n, bus, rec
}

func TestStartCallRequiresRoom(t *testing.T) {
	n, _, _ := newNegotiator(t, &SyntheticSource{}, false)
	if err := n.StartCall(context.Background()); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("StartCall without room = %v", err)
	}
	if err := n.JoinRoom("../x"); err == nil {
		t.Fatal("JoinRoom accepted a bad id")
	}
}

func TestStartCallSendsOfferOnce(t *testing.T) {
	n, bus, _ := newNegotiator(t, &SyntheticSource{}, false)
	if err := n.JoinRoom("appt-1"); err != nil {
		t.Fatal(err)
	}
	if bus.CountEmitted(proto.EventJoinRoom) != 1 {
		t.Fatal("join-room not emitted")
	}
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	offer, ok := bus.Last(proto.EventOffer).(proto.Offer)
	if !ok || offer.RoomID != "appt-1" || offer.Offer.Type != "offer" || offer.Offer.SDP == "" {
		t.Fatalf("offer = %#v", bus.Last(proto.EventOffer))
	}
	if err := n.StartCall(context.Background()); !errors.Is(err, ErrCallActive) {
		t.Fatalf("second StartCall = %v", err)
	}
	if got := bus.CountEmitted(proto.EventOffer); got != 1 {
		t.Fatalf("offers = %d", got)
	}
	st := n.State()
	if !st.Active || !st.HasAudio || !st.HasVideo {
		t.Fatalf("state = %+v", st)
	}
}

func TestEndCallTwiceEqualsOnce(t *testing.T) {
	n, bus, _ := newNegotiator(t, &SyntheticSource{}, false)
	n.JoinRoom("appt-1")
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	n.EndCall()
	first := n.State()
	n.EndCall()
	second := n.State()
	if first != second || first.Active || first.HasAudio {
		t.Fatalf("after EndCall: %+v then %+v", first, second)
	}

	// The slot is free again.
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall after EndCall: %v", err)
	}
	if got := bus.CountEmitted(proto.EventOffer); got != 2 {
		t.Fatalf("offers = %d", got)
	}
}

func TestJoinAnotherRoomEndsTheCall(t *testing.T) {
	n, bus, _ := newNegotiator(t, &SyntheticSource{}, false)
	n.JoinRoom("appt-1")
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := n.JoinRoom("appt-2"); err != nil {
		t.Fatal(err)
	}
	leave, ok := bus.Last(proto.EventLeaveRoom).(proto.LeaveRoom)
	if !ok || leave.RoomID != "appt-1" {
		t.Fatalf("leave-room = %#v", bus.Last(proto.EventLeaveRoom))
	}
	if st := n.State(); st.Room != "appt-2" || st.Active || st.HasAudio {
		t.Fatalf("state after switch = %+v", st)
	}

	if err := n.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall in new room: %v", err)
	}
	if offer := bus.Last(proto.EventOffer).(proto.Offer); offer.RoomID != "appt-2" {
		t.Fatalf("offer room = %q", offer.RoomID)
	}

	// Rejoining the same room keeps the call.
	n.JoinRoom("appt-2")
	if !n.State().Active || bus.CountEmitted(proto.EventLeaveRoom) != 1 {
		t.Fatalf("rejoin dropped the call: %+v", n.State())
	}
}

func TestToggleMute(t *testing.T) {
	n, _, _ := newNegotiator(t, &SyntheticSource{}, false)
	n.JoinRoom("appt-1")

	if _, err := n.ToggleMuteAudio(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("toggle without call = %v", err)
	}
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i, want := range []bool{true, false, true} {
		muted, err := n.ToggleMuteAudio()
		if err != nil {
			t.Fatal(err)
		}
		if muted != want {
			t.Fatalf("toggle %d: muted = %v, want %v", i, muted, want)
		}
	}
	if muted, err := n.ToggleMuteVideo(); err != nil || !muted {
		t.Fatalf("video toggle = %v, %v", muted, err)
	}
	st := n.State()
	if !st.AudioMuted || !st.VideoMuted {
		t.Fatalf("state = %+v", st)
	}
}

func TestReceiveOnlyHasNoTracks(t *testing.T) {
	n, bus, _ := newNegotiator(t, nil, false)
	n.JoinRoom("appt-1")
	if err := n.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bus.Last(proto.EventOffer) == nil {
		t.Fatal("receive-only side sent no offer")
	}
	if _, err := n.ToggleMuteVideo(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("toggle = %v", err)
	}
}

func TestOfferAnswerWithQueuedCandidates(t *testing.T) {
	caller, callerBus, _ := newNegotiator(t, &SyntheticSource{}, false)
	callee, calleeBus, _ := newNegotiator(t, nil, false)
	caller.JoinRoom("appt-1")
	callee.JoinRoom("appt-1")

	// A candidate that arrives before the offer is held back.
	mid := "0"
	idx := uint16(0)
	calleeBus.Deliver(proto.ICECandidate{RoomID: "appt-1", Candidate: proto.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}})
	callee.mu.Lock()
	queued := len(callee.pending)
	callee.mu.Unlock()
	if queued != 1 {
		t.Fatalf("pending = %d", queued)
	}

	if err := caller.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	calleeBus.Deliver(callerBus.Last(proto.EventOffer))

	answer, ok := calleeBus.Last(proto.EventAnswer).(proto.Answer)
	if !ok || answer.Answer.Type != "answer" {
		t.Fatalf("answer = %#v", calleeBus.Last(proto.EventAnswer))
	}
	callee.mu.Lock()
	queued = len(callee.pending)
	callee.mu.Unlock()
	if queued != 0 {
		t.Fatalf("pending after offer = %d", queued)
	}

	callerBus.Deliver(answer)
	caller.mu.Lock()
	state := caller.pc.SignalingState()
	caller.mu.Unlock()
	if state != webrtc.SignalingStateStable {
		t.Fatalf("caller signaling state = %s", state)
	}
}

func TestMessagesForOtherRoomsIgnored(t *testing.T) {
	n, bus, _ := newNegotiator(t, nil, true)
	n.JoinRoom("appt-1")
	bus.Deliver(proto.CallRequest{RoomID: "appt-2"})
	bus.Deliver(proto.Offer{RoomID: "appt-2", Offer: proto.SessionDescription{Type: "offer", SDP: "v=0"}})
	if bus.CountEmitted(proto.EventCallAccepted) != 0 || bus.CountEmitted(proto.EventAnswer) != 0 {
		t.Fatalf("reacted to another room: %v", bus.Emitted())
	}
	if n.State().Active {
		t.Fatal("call started for another room")
	}
}

func TestCallRequestHandshake(t *testing.T) {
	auto, autoBus, _ := newNegotiator(t, nil, true)
	auto.JoinRoom("appt-1")
	autoBus.Deliver(proto.CallRequest{RoomID: "appt-1"})
	if autoBus.CountEmitted(proto.EventCallAccepted) != 1 {
		t.Fatal("auto-accept did not answer call-request")
	}

	manual, manualBus, rec := newNegotiator(t, nil, false)
	manual.JoinRoom("appt-1")
	manualBus.Deliver(proto.CallRequest{RoomID: "appt-1"})
	if manualBus.CountEmitted(proto.EventCallAccepted) != 0 || len(rec.Of(notify.KindToast)) != 1 {
		t.Fatal("manual side should only notify")
	}

	// call-accepted starts the offer on the requesting side.
	caller, callerBus, _ := newNegotiator(t, &SyntheticSource{}, false)
	caller.JoinRoom("appt-1")
	if err := caller.RequestCall(); err != nil {
		t.Fatal(err)
	}
	callerBus.Deliver(proto.CallAccepted{RoomID: "appt-1"})
	if callerBus.CountEmitted(proto.EventOffer) != 1 {
		t.Fatal("call-accepted did not start the call")
	}

	callerBus.Deliver(proto.CallRejected{RoomID: "appt-1"})
}

func TestReconnectRejoinsRoom(t *testing.T) {
	n, bus, _ := newNegotiator(t, nil, false)
	bus.Deliver(proto.Reconnect{Attempt: 1})
	if bus.CountEmitted(proto.EventJoinRoom) != 0 {
		t.Fatal("rejoined without a room")
	}
	n.JoinRoom("appt-1")
	bus.Deliver(proto.Reconnect{Attempt: 1})
	if got := bus.CountEmitted(proto.EventJoinRoom); got != 2 {
		t.Fatalf("join-room count = %d", got)
	}

	if err := n.LeaveRoom(); err != nil {
		t.Fatal(err)
	}
	if bus.CountEmitted(proto.EventLeaveRoom) != 1 || n.Room() != "" {
		t.Fatal("leave-room not applied")
	}
}
