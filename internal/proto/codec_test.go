package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeFrameShape(t *testing.T) {
	b, err := Encode(IncomingCall{AppointmentID: "apt-1"})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["event"] != EventIncomingCall {
		t.Fatalf("event = %v", raw["event"])
	}
	if id, _ := raw["id"].(string); id == "" {
		t.Fatal("frame id missing")
	}
	data, _ := raw["data"].(map[string]any)
	if data["appointmentId"] != "apt-1" {
		t.Fatalf("data = %v", raw["data"])
	}
}

func TestSpecialistOnlineFlattensUser(t *testing.T) {
	b, err := Encode(SpecialistOnline{User{ID: "s1", Name: "Dr. A", Role: RoleSpecialist}})
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatal(err)
	}
	var flat map[string]string
	if err := json.Unmarshal(f.Data, &flat); err != nil {
		t.Fatal(err)
	}
	if flat["id"] != "s1" || flat["role"] != RoleSpecialist {
		t.Fatalf("user not flattened: %s", f.Data)
	}
}

func TestDecodeTypedMessages(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "offer",
			frame: `{"id":"1","event":"offer","data":{"roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}}`,
			check: func(t *testing.T, m Message) {
				o, ok := m.(Offer)
				if !ok || o.RoomID != "r1" || o.Offer.SDP != "v=0" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "ice candidate with mline index zero",
			frame: `{"id":"2","event":"ice-candidate","data":{"roomId":"r1","candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}}`,
			check: func(t *testing.T, m Message) {
				c, ok := m.(ICECandidate)
				if !ok || c.Candidate.SDPMLineIndex == nil || *c.Candidate.SDPMLineIndex != 0 {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "session ended",
			frame: `{"id":"3","event":"session-ended","data":{"specialist":"s1","appointmentId":"a1"}}`,
			check: func(t *testing.T, m Message) {
				e, ok := m.(SessionEnded)
				if !ok || e.AppointmentID != "a1" || e.Specialist != "s1" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "missing data",
			frame: `{"id":"4","event":"call-request"}`,
			check: func(t *testing.T, m Message) {
				if _, ok := m.(CallRequest); !ok {
					t.Fatalf("got %#v", m)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, m, err := Decode([]byte(tc.frame))
			if err != nil {
				t.Fatal(err)
			}
			tc.check(t, m)
		})
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, _, err := Decode([]byte(`{"id":"1","event":"bogus","data":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, _, err := Decode([]byte(`{"id":"1","event":"offer","data":{"offer":42}}`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for non-JSON frame")
	}
}

func TestEncodeRefusesLifecycleEvents(t *testing.T) {
	if _, err := Encode(Reconnect{Attempt: 1}); !errors.Is(err, ErrLocalEvent) {
		t.Fatalf("expected ErrLocalEvent, got %v", err)
	}
}

func TestRoomOf(t *testing.T) {
	if got := RoomOf(Answer{RoomID: "x"}); got != "x" {
		t.Fatalf("RoomOf(answer) = %q", got)
	}
	if got := RoomOf(IncomingCall{AppointmentID: "a"}); got != "" {
		t.Fatalf("RoomOf(incoming) = %q", got)
	}
}
