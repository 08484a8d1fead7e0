package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consultcall/internal/auth"
	"github.com/petervdpas/consultcall/internal/proto"
)

const testSecret = "relay-test-secret"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	s   *Server
	srv *httptest.Server

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0}
	f.s = New(Options{JWTSecret: testSecret, Now: f.clock})
	f.srv = httptest.NewServer(f.s.Handler())
	t.Cleanup(func() {
		f.s.closeAll()
		f.srv.Close()
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func token(t *testing.T, u proto.User) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, u, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *fixture) dial(t *testing.T, u proto.User) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token(t, u))
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial as %s: %v", u.ID, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg proto.Message) {
	t.Helper()
	b, err := proto.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write %s: %v", msg.Event(), err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) proto.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_, msg, err := proto.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, raw, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var (
	drSmith = proto.User{ID: "spec-1", Name: "Dr. Smith", Role: proto.RoleSpecialist}
	alice   = proto.User{ID: "pat-1", Name: "Alice", Role: proto.RolePatient}
	admin   = proto.User{ID: "ops", Role: proto.RoleAdmin}
)

func (f *fixture) online(t *testing.T, u proto.User) *websocket.Conn {
	t.Helper()
	ws := f.dial(t, u)
	send(t, ws, proto.SpecialistOnline{User: u})
	eventually(t, u.ID+" online", func() bool {
		for _, p := range f.s.Presence() {
			if p.ID == u.ID {
				return true
			}
		}
		return false
	})
	return ws
}

func (f *fixture) join(t *testing.T, ws *websocket.Conn, room string, want int) {
	t.Helper()
	send(t, ws, proto.JoinRoom{RoomID: room})
	eventually(t, "room "+room, func() bool {
		f.s.mu.Lock()
		defer f.s.mu.Unlock()
		return len(f.s.rooms[room]) == want
	})
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v, want bad handshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	bad := proto.User{ID: "x", Role: proto.RolePatient}
	forged, _ := auth.Issue("other-secret", bad, time.Hour)
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+forged, nil)
	if err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token accepted: %v", err)
	}
}

func TestPresenceUsesTokenIdentity(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, drSmith)
	send(t, ws, proto.SpecialistOnline{User: proto.User{ID: "someone-else", Name: "Dr. S", Role: proto.RoleSpecialist}})
	eventually(t, "presence", func() bool { return len(f.s.Presence()) == 1 })
	got := f.s.Presence()[0]
	if got.ID != drSmith.ID || got.Name != "Dr. S" {
		t.Fatalf("presence = %+v", got)
	}

	p := f.dial(t, alice)
	send(t, p, proto.SpecialistOnline{User: alice})
	if msg, ok := recv(t, p).(proto.Error); !ok {
		t.Fatalf("patient announce: got %T", msg)
	}
}

func TestRequestCallOfflineSpecialist(t *testing.T) {
	f := newFixture(t)
	p := f.dial(t, alice)
	send(t, p, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	msg, ok := recv(t, p).(proto.Error)
	if !ok || msg.Message != "Specialist is not available" {
		t.Fatalf("got %#v", msg)
	}
}

func TestCallInvitationAccepted(t *testing.T) {
	f := newFixture(t)
	db, err := openCallDB(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	f.s.calls = db
	t.Cleanup(func() { _ = db.close() })

	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	in, ok := recv(t, spec).(proto.IncomingCall)
	if !ok || in.AppointmentID != "appt-1" {
		t.Fatalf("specialist got %#v", in)
	}

	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	if acc, ok := recv(t, pat).(proto.AcceptCall); !ok || acc.AppointmentID != "appt-1" {
		t.Fatalf("patient got %#v", acc)
	}

	recs, err := db.recent("appt-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != OutcomeAccepted || recs[0].PatientID != alice.ID {
		t.Fatalf("records = %+v", recs)
	}

	created := proto.SessionCreated{
		AppointmentID: "appt-1",
		Session:       proto.SessionInfo{ID: "sess-9", Appointment: "appt-1"},
		PatientToken:  "ptok",
	}
	send(t, spec, created)
	got, ok := recv(t, pat).(proto.SessionCreated)
	if !ok || got.Session.ID != "sess-9" || got.PatientToken != "ptok" {
		t.Fatalf("patient got %#v", got)
	}

	// Accepting twice is an error, not a second delivery.
	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	if _, ok := recv(t, spec).(proto.Error); !ok {
		t.Fatal("second accept not rejected")
	}
	expectSilence(t, pat)
}

func TestCallRejectedAndSessionFailed(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)
	send(t, spec, proto.RejectCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	if _, ok := recv(t, pat).(proto.RejectCall); !ok {
		t.Fatal("patient did not see reject-call")
	}

	send(t, pat, proto.RequestCall{AppointmentID: "appt-2", SpecialistID: drSmith.ID})
	recv(t, spec)
	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-2"})
	recv(t, pat)
	send(t, spec, proto.SessionFailed{AppointmentID: "appt-2", Reason: "backend down"})
	failed, ok := recv(t, pat).(proto.SessionFailed)
	if !ok || failed.Reason != "backend down" {
		t.Fatalf("patient got %#v", failed)
	}

	f.s.mu.Lock()
	n := len(f.s.invites)
	f.s.mu.Unlock()
	if n != 0 {
		t.Fatalf("invites left = %d", n)
	}
}

func TestRingTimeoutSweep(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)

	f.s.Sweep(t0.Add(DefaultRingTimeout - time.Second))
	expectSilence(t, pat)

	f.s.Sweep(t0.Add(DefaultRingTimeout))
	for _, ws := range []*websocket.Conn{pat, spec} {
		if to, ok := recv(t, ws).(proto.CallTimeout); !ok || to.AppointmentID != "appt-1" {
			t.Fatalf("got %#v", to)
		}
	}

	// Late accept after timeout.
	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	if _, ok := recv(t, spec).(proto.Error); !ok {
		t.Fatal("late accept not rejected")
	}
}

func TestSpecialistDisconnectNotifiesPatient(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)
	_ = spec.Close()

	sd, ok := recv(t, pat).(proto.SpecialistDisconnected)
	if !ok || sd.AppointmentID != "appt-1" {
		t.Fatalf("patient got %#v", sd)
	}
	eventually(t, "presence cleared", func() bool { return len(f.s.Presence()) == 0 })
}

func TestPatientDisconnectCancelsRinging(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)
	_ = pat.Close()

	if to, ok := recv(t, spec).(proto.CallTimeout); !ok || to.AppointmentID != "appt-1" {
		t.Fatalf("specialist got %#v", to)
	}
}

func TestAnswerReachesReconnectedPatient(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	old := f.dial(t, alice)

	send(t, old, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)

	clients := func(n int) func() bool {
		return func() bool {
			f.s.mu.Lock()
			defer f.s.mu.Unlock()
			return len(f.s.clients) == n
		}
	}
	fresh := f.dial(t, alice)
	eventually(t, "second patient connection", clients(3))
	_ = old.Close()
	eventually(t, "old connection gone", clients(2))

	// The invite survives the old connection going away.
	expectSilence(t, spec)

	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	if acc, ok := recv(t, fresh).(proto.AcceptCall); !ok || acc.AppointmentID != "appt-1" {
		t.Fatalf("reconnected patient got %#v", acc)
	}
	send(t, spec, proto.SessionCreated{
		AppointmentID: "appt-1",
		Session:       proto.SessionInfo{ID: "sess-1", Appointment: "appt-1"},
	})
	if got, ok := recv(t, fresh).(proto.SessionCreated); !ok || got.Session.ID != "sess-1" {
		t.Fatalf("reconnected patient got %#v", got)
	}
}

func TestRoomForwardingExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, drSmith)
	b := f.dial(t, alice)
	outsider := f.dial(t, proto.User{ID: "pat-2", Role: proto.RolePatient})

	f.join(t, a, "appt-1", 1)
	f.join(t, b, "appt-1", 2)

	send(t, a, proto.Offer{RoomID: "appt-1", Offer: proto.SessionDescription{Type: "offer", SDP: "v=0"}})
	off, ok := recv(t, b).(proto.Offer)
	if !ok || off.Offer.SDP != "v=0" {
		t.Fatalf("peer got %#v", off)
	}
	expectSilence(t, a)
	expectSilence(t, outsider)

	send(t, outsider, proto.ICECandidate{RoomID: "appt-1"})
	if _, ok := recv(t, outsider).(proto.Error); !ok {
		t.Fatal("non-member forward not rejected")
	}
	expectSilence(t, b)

	send(t, b, proto.LeaveRoom{RoomID: "appt-1"})
	eventually(t, "leave", func() bool {
		f.s.mu.Lock()
		defer f.s.mu.Unlock()
		return len(f.s.rooms["appt-1"]) == 1
	})
	send(t, a, proto.CallRequest{RoomID: "appt-1"})
	expectSilence(t, b)
}

func TestEndSessionReachesWholeRoom(t *testing.T) {
	f := newFixture(t)
	spec := f.online(t, drSmith)
	pat := f.dial(t, alice)

	send(t, pat, proto.RequestCall{AppointmentID: "appt-1", SpecialistID: drSmith.ID})
	recv(t, spec)
	send(t, spec, proto.AcceptCall{SpecialistID: drSmith.ID, AppointmentID: "appt-1"})
	recv(t, pat)
	send(t, spec, proto.SessionCreated{AppointmentID: "appt-1", Session: proto.SessionInfo{ID: "sess-9"}})
	recv(t, pat)

	f.join(t, spec, "appt-1", 1)
	f.join(t, pat, "appt-1", 2)

	send(t, spec, proto.EndSession{SessionID: "sess-9"})
	for _, ws := range []*websocket.Conn{spec, pat} {
		ended, ok := recv(t, ws).(proto.SessionEnded)
		if !ok || ended.AppointmentID != "appt-1" || ended.Specialist != drSmith.ID {
			t.Fatalf("got %#v", ended)
		}
	}

	send(t, pat, proto.EndSession{SessionID: "sess-unknown"})
	// The patient is in exactly one room, which resolves the session.
	if _, ok := recv(t, pat).(proto.SessionEnded); !ok {
		t.Fatal("single-room fallback failed")
	}
}

func TestInvalidFrameGetsError(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, alice)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":`)); err != nil {
		t.Fatal(err)
	}
	e, ok := recv(t, ws).(proto.Error)
	if !ok || e.Message != "invalid signaling frame" {
		t.Fatalf("got %#v", e)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	f.online(t, drSmith)

	get := func(path, tok string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/presence.json", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous presence: %d", resp.StatusCode)
	}
	if resp := get("/presence.json", token(t, alice)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("patient presence: %d", resp.StatusCode)
	}

	resp := get("/presence.json", token(t, admin))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin presence: %d", resp.StatusCode)
	}
	var entries []struct {
		User proto.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].User.ID != drSmith.ID {
		t.Fatalf("entries = %+v", entries)
	}

	resp = get("/calls.json", token(t, admin))
	var vm struct {
		Pending []json.RawMessage `json:"pending"`
		Recent  []json.RawMessage `json:"recent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&vm); err != nil {
		t.Fatal(err)
	}
	if vm.Pending == nil || vm.Recent == nil {
		t.Fatalf("calls.json lists must not be null: %+v", vm)
	}

	post, _ := http.Post(f.srv.URL+"/logs.json", "application/json", nil)
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST logs: %d", post.StatusCode)
	}

	if resp := get("/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}

func TestCallDBRecentNewestFirst(t *testing.T) {
	db, err := openCallDB(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.close()

	db.record(CallRecord{AppointmentID: "a", Outcome: OutcomeTimeout, RequestedAt: t0, ResolvedAt: t0})
	db.record(CallRecord{AppointmentID: "b", Outcome: OutcomeAccepted, RequestedAt: t0, ResolvedAt: t0})
	db.record(CallRecord{AppointmentID: "a", Outcome: OutcomeRejected, RequestedAt: t0, ResolvedAt: t0})

	all, err := db.recent("", 10)
	if err != nil || len(all) != 3 || all[0].Outcome != OutcomeRejected {
		t.Fatalf("all = %+v, %v", all, err)
	}
	onlyA, _ := db.recent("a", 1)
	if len(onlyA) != 1 || onlyA[0].Outcome != OutcomeRejected {
		t.Fatalf("a = %+v", onlyA)
	}
	none, _ := db.recent("zzz", 10)
	if none == nil || len(none) != 0 {
		t.Fatalf("none = %#v", none)
	}
}
