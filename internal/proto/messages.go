package proto

// Message is one protocol event. The set of implementations is closed:
// only types in this package satisfy it.
type Message interface {
	Event() string
	isMessage()
}

// User is the authenticated identity of a participant.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

func (u User) IsSpecialist() bool { return u.Role == RoleSpecialist }

// SessionInfo is the relay-visible part of a backend video session.
type SessionInfo struct {
	ID          string `json:"id"`
	Appointment string `json:"appointment"`
	Specialist  string `json:"specialist"`
	Patient     string `json:"patient"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors RTCIceCandidateInit.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ── Presence ─────────────────────────────────────────────────────────────────

// SpecialistOnline carries the full user object, flattened on the wire.
type SpecialistOnline struct {
	User
}

// SpecialistDisconnected tells the patient the specialist's connection is gone.
type SpecialistDisconnected struct {
	AppointmentID string `json:"appointmentId"`
}

// ── Appointment call layer ───────────────────────────────────────────────────

// RequestCall asks the relay to ring the specialist for an appointment.
type RequestCall struct {
	AppointmentID string `json:"appointmentId"`
	SpecialistID  string `json:"specialistId"`
}

// IncomingCall rings the specialist.
type IncomingCall struct {
	AppointmentID string `json:"appointmentId"`
}

type AcceptCall struct {
	SpecialistID  string `json:"specialistId"`
	AppointmentID string `json:"appointmentId"`
}

type RejectCall struct {
	SpecialistID  string `json:"specialistId"`
	AppointmentID string `json:"appointmentId"`
}

type CallTimeout struct {
	AppointmentID string `json:"appointmentId"`
}

// SessionCreated hands the new video session and its tokens to the patient.
type SessionCreated struct {
	AppointmentID   string      `json:"appointmentId"`
	Session         SessionInfo `json:"session"`
	SpecialistToken string      `json:"specialistToken"`
	PatientToken    string      `json:"patientToken"`
}

// SessionFailed tells the patient that the specialist accepted but the video
// session could not be created, so it must stop waiting.
type SessionFailed struct {
	AppointmentID string `json:"appointmentId"`
	Reason        string `json:"reason,omitempty"`
}

// ── Rooms and WebRTC signaling ───────────────────────────────────────────────

// JoinRoom and LeaveRoom change room membership on the relay.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// CallRequest, CallAccepted and CallRejected agree on who sends the offer.
type CallRequest struct {
	RoomID string `json:"roomId"`
}

type CallAccepted struct {
	RoomID string `json:"roomId"`
}

type CallRejected struct {
	RoomID string `json:"roomId"`
}

type Offer struct {
	RoomID string             `json:"roomId"`
	Offer  SessionDescription `json:"offer"`
}

type Answer struct {
	RoomID string             `json:"roomId"`
	Answer SessionDescription `json:"answer"`
}

type ICECandidate struct {
	RoomID    string           `json:"roomId"`
	Candidate ICECandidateInit `json:"candidate"`
}

// ── Session lifecycle ────────────────────────────────────────────────────────

// EndSession asks the relay to end a session for the whole room.
type EndSession struct {
	SessionID string `json:"sessionId"`
}

// SessionEnded tells a participant that the other side ended the session.
type SessionEnded struct {
	Specialist    string `json:"specialist"`
	AppointmentID string `json:"appointmentId"`
}

// Error is the relay's reply to a frame it refused.
type Error struct {
	Message string `json:"message"`
}

// ── Local transport lifecycle ────────────────────────────────────────────────

// Connect, Reconnect and Disconnect are dispatched locally by the
// transport and never sent.
type Connect struct{}

type Reconnect struct {
	Attempt int `json:"attempt"`
}

type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// Event names implement Message.
func (SpecialistOnline) Event() string       { return EventSpecialistOnline }
func (SpecialistDisconnected) Event() string { return EventSpecialistDisconnected }
func (RequestCall) Event() string            { return EventRequestCall }
func (IncomingCall) Event() string           { return EventIncomingCall }
func (AcceptCall) Event() string             { return EventAcceptCall }
func (RejectCall) Event() string             { return EventRejectCall }
func (CallTimeout) Event() string            { return EventCallTimeout }
func (SessionCreated) Event() string         { return EventSessionCreated }
func (SessionFailed) Event() string          { return EventSessionFailed }
func (JoinRoom) Event() string               { return EventJoinRoom }
func (LeaveRoom) Event() string              { return EventLeaveRoom }
func (CallRequest) Event() string            { return EventCallRequest }
func (CallAccepted) Event() string           { return EventCallAccepted }
func (CallRejected) Event() string           { return EventCallRejected }
func (Offer) Event() string                  { return EventOffer }
func (Answer) Event() string                 { return EventAnswer }
func (ICECandidate) Event() string           { return EventICECandidate }
func (EndSession) Event() string             { return EventEndSession }
func (SessionEnded) Event() string           { return EventSessionEnded }
func (Error) Event() string                  { return EventError }
func (Connect) Event() string                { return EventConnect }
func (Reconnect) Event() string              { return EventReconnect }
func (Disconnect) Event() string             { return EventDisconnect }

func (SpecialistOnline) isMessage()       {}
func (SpecialistDisconnected) isMessage() {}
func (RequestCall) isMessage()            {}
func (IncomingCall) isMessage()           {}
func (AcceptCall) isMessage()             {}
func (RejectCall) isMessage()             {}
func (CallTimeout) isMessage()            {}
func (SessionCreated) isMessage()         {}
func (SessionFailed) isMessage()          {}
func (JoinRoom) isMessage()               {}
func (LeaveRoom) isMessage()              {}
func (CallRequest) isMessage()            {}
func (CallAccepted) isMessage()           {}
func (CallRejected) isMessage()           {}
func (Offer) isMessage()                  {}
func (Answer) isMessage()                 {}
func (ICECandidate) isMessage()           {}
func (EndSession) isMessage()             {}
func (SessionEnded) isMessage()           {}
func (Error) isMessage()                  {}
func (Connect) isMessage()                {}
func (Reconnect) isMessage()              {}
func (Disconnect) isMessage()             {}

// RoomOf returns the room a peer-to-peer signaling message is scoped to,
// or "" for messages that are not room scoped.
func RoomOf(m Message) string {
	switch v := m.(type) {
	case CallRequest:
		return v.RoomID
	case CallAccepted:
		return v.RoomID
	case CallRejected:
		return v.RoomID
	case Offer:
		return v.RoomID
	case Answer:
		return v.RoomID
	case ICECandidate:
		return v.RoomID
	case JoinRoom:
		return v.RoomID
	case LeaveRoom:
		return v.RoomID
	}
	return ""
}
