package presence

import (
	"testing"
	"time"

	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/proto/prototest"
)

var specialist = proto.User{ID: "s1", Name: "Dr. Ada", Role: proto.RoleSpecialist}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectThenReconnectAnnouncesTwice(t *testing.T) {
	bus := prototest.NewBus()
	a := New(bus, specialist, 20*time.Millisecond)
	a.Register()
	a.Register() // re-registration must not duplicate handlers

	bus.Deliver(proto.Connect{})
	if n := bus.CountEmitted(proto.EventSpecialistOnline); n != 0 {
		t.Fatalf("announced before the connect delay: %d", n)
	}
	eventually(t, func() bool { return bus.CountEmitted(proto.EventSpecialistOnline) == 1 })

	bus.Deliver(proto.Disconnect{})
	bus.Deliver(proto.Reconnect{Attempt: 1})
	if n := bus.CountEmitted(proto.EventSpecialistOnline); n != 2 {
		t.Fatalf("announcements = %d, want 2", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := bus.CountEmitted(proto.EventSpecialistOnline); n != 2 {
		t.Fatalf("late duplicate announcement: %d", n)
	}

	online, ok := bus.Last(proto.EventSpecialistOnline).(proto.SpecialistOnline)
	if !ok || online.User != specialist {
		t.Fatalf("payload = %#v", bus.Last(proto.EventSpecialistOnline))
	}
}

func TestPatientNeverAnnounces(t *testing.T) {
	bus := prototest.NewBus()
	New(bus, proto.User{ID: "p1", Role: proto.RolePatient}, 0).Register()
	bus.Deliver(proto.Connect{})
	bus.Deliver(proto.Reconnect{Attempt: 1})
	time.Sleep(30 * time.Millisecond)
	if n := bus.CountEmitted(proto.EventSpecialistOnline); n != 0 {
		t.Fatalf("patient announced %d times", n)
	}
}

func TestDisconnectCancelsDelayedAnnouncement(t *testing.T) {
	bus := prototest.NewBus()
	a := New(bus, specialist, 30*time.Millisecond)
	a.Register()
	bus.Deliver(proto.Connect{})
	bus.Deliver(proto.Disconnect{Reason: "blip"})
	time.Sleep(80 * time.Millisecond)
	if n := a.Sent(); n != 0 {
		t.Fatalf("announced after disconnect: %d", n)
	}
}

func TestReconnectDuringDelayAnnouncesOnce(t *testing.T) {
	bus := prototest.NewBus()
	a := New(bus, specialist, 30*time.Millisecond)
	a.Register()
	bus.Deliver(proto.Connect{})
	bus.Deliver(proto.Reconnect{Attempt: 1})
	time.Sleep(80 * time.Millisecond)
	if n := a.Sent(); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}
