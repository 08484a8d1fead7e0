package relay

import (
	"log"
	"time"

	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/util"
)

// route handles one inbound message. Sends happen outside s.mu.
func (s *Server) route(c *client, msg proto.Message) {
	switch m := msg.(type) {
	case proto.SpecialistOnline:
		s.handleOnline(c, m)
	case proto.RequestCall:
		s.handleRequestCall(c, m)
	case proto.AcceptCall:
		s.handleAnswerCall(c, m.AppointmentID, m, OutcomeAccepted)
	case proto.RejectCall:
		s.handleAnswerCall(c, m.AppointmentID, m, OutcomeRejected)
	case proto.SessionCreated:
		s.handleSessionCreated(c, m)
	case proto.SessionFailed:
		s.handleSessionFailed(c, m)
	case proto.JoinRoom:
		s.handleJoin(c, m.RoomID)
	case proto.LeaveRoom:
		s.handleLeave(c, m.RoomID)
	case proto.Offer, proto.Answer, proto.ICECandidate,
		proto.CallRequest, proto.CallAccepted, proto.CallRejected:
		s.forwardToRoom(c, proto.RoomOf(msg), msg)
	case proto.EndSession:
		s.handleEndSession(c, m)
	case proto.SessionEnded:
		s.handleSessionEnded(c, m)
	default:
		log.Printf("RELAY: %s sent unroutable %s", c.label(), msg.Event())
		_ = c.send(proto.Error{Message: "unsupported event " + msg.Event()})
	}
}

func (s *Server) reject(c *client, reason string) {
	log.Printf("RELAY: %s: %s", c.label(), reason)
	_ = c.send(proto.Error{Message: reason})
}

// ── Presence ─────────────────────────────────────────────────────────────────

func (s *Server) handleOnline(c *client, m proto.SpecialistOnline) {
	if !c.user.IsSpecialist() {
		s.reject(c, "only specialists announce presence")
		return
	}
	// The token is the identity; the announced profile only adds display
	// fields.
	u := c.user
	if m.User.Name != "" {
		u.Name = m.User.Name
	}
	if m.User.Email != "" {
		u.Email = m.User.Email
	}

	s.mu.Lock()
	prev, existed := s.presence[u.ID]
	since := s.opts.Now()
	if existed {
		since = prev.Since
	}
	s.presence[u.ID] = &presenceEntry{User: u, Since: since, conn: c}
	s.mu.Unlock()
	log.Printf("RELAY: specialist %s online (%s)", u.ID, c.id)
}

// ── Call invitations ─────────────────────────────────────────────────────────

func (s *Server) handleRequestCall(c *client, m proto.RequestCall) {
	appt, err := util.ValidateID(m.AppointmentID)
	if err != nil {
		s.reject(c, "invalid appointment id")
		return
	}
	if c.user.IsSpecialist() {
		s.reject(c, "specialists cannot request calls")
		return
	}

	s.mu.Lock()
	entry, online := s.presence[m.SpecialistID]
	if !online {
		s.mu.Unlock()
		s.reject(c, "Specialist is not available")
		return
	}
	s.invites[appt] = &invite{
		AppointmentID: appt,
		PatientID:     c.user.ID,
		SpecialistID:  m.SpecialistID,
		State:         inviteRinging,
		Created:       s.opts.Now(),
		patient:       c,
	}
	specialist := entry.conn
	s.mu.Unlock()

	log.Printf("RELAY: call request %s from %s to %s", appt, c.user.ID, m.SpecialistID)
	if err := specialist.send(proto.IncomingCall{AppointmentID: appt}); err != nil {
		log.Printf("RELAY: deliver incoming-call to %s: %v", m.SpecialistID, err)
	}
}

// handleAnswerCall forwards accept-call or reject-call to the patient.
func (s *Server) handleAnswerCall(c *client, appointmentID string, msg proto.Message, outcome string) {
	s.mu.Lock()
	inv, ok := s.invites[appointmentID]
	if !ok || inv.State != inviteRinging || inv.SpecialistID != c.user.ID {
		s.mu.Unlock()
		s.reject(c, "no ringing call for appointment "+appointmentID)
		return
	}
	if outcome == OutcomeAccepted {
		inv.State = inviteAccepted
	} else {
		delete(s.invites, appointmentID)
	}
	rec := inv.record(outcome, s.opts.Now())
	patient := s.patientLocked(inv)
	s.mu.Unlock()

	log.Printf("RELAY: call %s %s by %s", appointmentID, outcome, c.user.ID)
	s.recordCall(rec)
	if err := patient.send(msg); err != nil {
		log.Printf("RELAY: deliver %s to %s: %v", msg.Event(), inv.PatientID, err)
	}
}

func (s *Server) handleSessionCreated(c *client, m proto.SessionCreated) {
	s.mu.Lock()
	inv, ok := s.invites[m.AppointmentID]
	if !ok || inv.SpecialistID != c.user.ID {
		s.mu.Unlock()
		s.reject(c, "no accepted call for appointment "+m.AppointmentID)
		return
	}
	if m.Session.ID != "" {
		s.sessions[m.Session.ID] = m.AppointmentID
	}
	patient := s.patientLocked(inv)
	s.mu.Unlock()

	log.Printf("RELAY: session %s created for %s", m.Session.ID, m.AppointmentID)
	if err := patient.send(m); err != nil {
		log.Printf("RELAY: deliver session-created to %s: %v", inv.PatientID, err)
	}
}

func (s *Server) handleSessionFailed(c *client, m proto.SessionFailed) {
	s.mu.Lock()
	inv, ok := s.invites[m.AppointmentID]
	if !ok || inv.SpecialistID != c.user.ID {
		s.mu.Unlock()
		s.reject(c, "no accepted call for appointment "+m.AppointmentID)
		return
	}
	delete(s.invites, m.AppointmentID)
	rec := inv.record(OutcomeFailed, s.opts.Now())
	patient := s.patientLocked(inv)
	s.mu.Unlock()

	log.Printf("RELAY: session for %s failed: %s", m.AppointmentID, m.Reason)
	s.recordCall(rec)
	if err := patient.send(m); err != nil {
		log.Printf("RELAY: deliver session-failed to %s: %v", inv.PatientID, err)
	}
}

// Sweep times out invitations that rang longer than the ring timeout.
func (s *Server) Sweep(now time.Time) {
	type expired struct {
		inv        invite
		patient    *client
		specialist *client
	}
	var out []expired

	s.mu.Lock()
	for id, inv := range s.invites {
		if inv.State != inviteRinging || now.Sub(inv.Created) < s.opts.RingTimeout {
			continue
		}
		delete(s.invites, id)
		var spec *client
		if e, ok := s.presence[inv.SpecialistID]; ok {
			spec = e.conn
		}
		out = append(out, expired{inv: *inv, patient: s.patientLocked(inv), specialist: spec})
	}
	s.mu.Unlock()

	for _, e := range out {
		log.Printf("RELAY: call %s timed out", e.inv.AppointmentID)
		s.recordCall(e.inv.record(OutcomeTimeout, now))
		msg := proto.CallTimeout{AppointmentID: e.inv.AppointmentID}
		_ = e.patient.send(msg)
		if e.specialist != nil {
			_ = e.specialist.send(msg)
		}
	}
}

// patientLocked returns the newest live connection of the invite's
// patient, so a patient that reconnected after asking still gets the answer.
// Nil when the patient is gone.
func (s *Server) patientLocked(inv *invite) *client {
	var live *client
	for _, c := range s.clients {
		if c.user.ID != inv.PatientID || c.user.IsSpecialist() {
			continue
		}
		if live == nil || c.connected.After(live.connected) {
			live = c
		}
	}
	if live != nil {
		inv.patient = live
	}
	return live
}

func (inv *invite) record(outcome string, at time.Time) CallRecord {
	return CallRecord{
		AppointmentID: inv.AppointmentID,
		PatientID:     inv.PatientID,
		SpecialistID:  inv.SpecialistID,
		Outcome:       outcome,
		RequestedAt:   inv.Created,
		ResolvedAt:    at,
	}
}

func (s *Server) recordCall(r CallRecord) {
	if s.calls != nil {
		s.calls.record(r)
	}
}

// ── Rooms ────────────────────────────────────────────────────────────────────

func (s *Server) handleJoin(c *client, room string) {
	room, err := util.ValidateID(room)
	if err != nil {
		s.reject(c, "invalid room id")
		return
	}
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	n := len(members)
	s.mu.Unlock()
	log.Printf("RELAY: %s joined room %s (members=%d)", c.label(), room, n)
}

func (s *Server) handleLeave(c *client, room string) {
	s.mu.Lock()
	s.leaveLocked(c, room)
	s.mu.Unlock()
	log.Printf("RELAY: %s left room %s", c.label(), room)
}

func (s *Server) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := s.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
}

// membersLocked lists the room's connections, without except.
func (s *Server) membersLocked(room string, except *client) []*client {
	var out []*client
	for m := range s.rooms[room] {
		if m != except {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) forwardToRoom(c *client, room string, msg proto.Message) {
	s.mu.Lock()
	_, member := c.rooms[room]
	var peers []*client
	if member {
		peers = s.membersLocked(room, c)
	}
	s.mu.Unlock()

	if !member {
		s.reject(c, "not a member of room "+room)
		return
	}
	for _, p := range peers {
		if err := p.send(msg); err != nil {
			log.Printf("RELAY: forward %s to %s: %v", msg.Event(), p.label(), err)
		}
	}
}

// ── Session end ──────────────────────────────────────────────────────────────

// handleEndSession tells everyone in the session's room, the sender
// included, that the session is over.
func (s *Server) handleEndSession(c *client, m proto.EndSession) {
	s.mu.Lock()
	room, ok := s.sessions[m.SessionID]
	if !ok {
		if _, isRoom := s.rooms[m.SessionID]; isRoom {
			room, ok = m.SessionID, true
		}
	}
	if !ok && len(c.rooms) == 1 {
		for r := range c.rooms {
			room, ok = r, true
		}
	}
	if !ok {
		s.mu.Unlock()
		s.reject(c, "unknown session "+m.SessionID)
		return
	}
	specialist := ""
	if inv, found := s.invites[room]; found {
		specialist = inv.SpecialistID
		delete(s.invites, room)
	} else if c.user.IsSpecialist() {
		specialist = c.user.ID
	}
	delete(s.sessions, m.SessionID)
	targets := s.membersLocked(room, nil)
	s.mu.Unlock()

	log.Printf("RELAY: session %s ended by %s (room %s, members=%d)", m.SessionID, c.label(), room, len(targets))
	ended := proto.SessionEnded{Specialist: specialist, AppointmentID: room}
	if len(targets) == 0 {
		targets = []*client{c}
	}
	for _, t := range targets {
		if err := t.send(ended); err != nil {
			log.Printf("RELAY: deliver session-ended to %s: %v", t.label(), err)
		}
	}
}

// handleSessionEnded forwards a participant leaving to the rest of the room.
func (s *Server) handleSessionEnded(c *client, m proto.SessionEnded) {
	s.forwardToRoom(c, m.AppointmentID, m)
}

// ── Disconnect ───────────────────────────────────────────────────────────────

func (s *Server) disconnect(c *client) {
	type notice struct {
		to  *client
		msg proto.Message
		rec CallRecord
	}
	var notices []notice
	now := s.opts.Now()

	s.mu.Lock()
	delete(s.clients, c.id)
	for room := range c.rooms {
		s.leaveLocked(c, room)
	}

	wasPresent := false
	if e, ok := s.presence[c.user.ID]; ok && e.conn == c {
		delete(s.presence, c.user.ID)
		wasPresent = true
	}

	for id, inv := range s.invites {
		switch {
		case wasPresent && inv.SpecialistID == c.user.ID:
			delete(s.invites, id)
			notices = append(notices, notice{
				to:  s.patientLocked(inv),
				msg: proto.SpecialistDisconnected{AppointmentID: id},
				rec: inv.record(OutcomeDisconnected, now),
			})
		case inv.patient == c && s.patientLocked(inv) != nil:
			// Another connection of the same patient takes the call over.
			log.Printf("RELAY: call %s moved to %s's other connection", id, inv.PatientID)
		case inv.patient == c && inv.State == inviteRinging:
			delete(s.invites, id)
			n := notice{msg: proto.CallTimeout{AppointmentID: id}, rec: inv.record(OutcomeCancelled, now)}
			if e, ok := s.presence[inv.SpecialistID]; ok {
				n.to = e.conn
			}
			notices = append(notices, n)
		}
	}
	remaining := len(s.clients)
	s.mu.Unlock()

	log.Printf("RELAY: %s disconnected (%s, total=%d)", c.label(), c.id, remaining)
	for _, n := range notices {
		s.recordCall(n.rec)
		if n.to != nil {
			_ = n.to.send(n.msg)
		}
	}
}
