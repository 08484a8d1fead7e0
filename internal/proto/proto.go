// Package proto defines the consultation signaling protocol shared by the
// relay and the client agents.
//
// Wire format: one JSON frame per websocket text message,
//
//	{"id": "<uuid>", "event": "<name>", "data": {...}}
//
// Every event has exactly one Go type implementing Message. Decode turns a
// frame into that type so consumers can type-switch over the protocol.
package proto

// ── Event names ──────────────────────────────────────────────────────────────
// Keep values stable: they are shared with browser clients of the relay.
const (
	// Presence
	EventSpecialistOnline       = "specialist-online"
	EventSpecialistDisconnected = "specialist-disconnected"

	// Appointment call layer
	EventRequestCall    = "request-call"
	EventIncomingCall   = "incoming-call"
	EventAcceptCall     = "accept-call"
	EventRejectCall     = "reject-call"
	EventCallTimeout    = "call-timeout"
	EventSessionCreated = "session-created"
	EventSessionFailed  = "session-failed"

	// Room membership
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	// WebRTC signaling layer (peer-to-peer via relay, scoped to a room)
	EventCallRequest  = "call-request"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"

	// Session lifecycle
	EventEndSession   = "end-session"
	EventSessionEnded = "session-ended"

	EventError = "error"
)

// Local lifecycle events raised by the transport. Never sent on the wire.
const (
	EventConnect    = "connect"
	EventReconnect  = "reconnect"
	EventDisconnect = "disconnect"
)

// Roles carried in the bearer token.
const (
	RoleSpecialist = "specialist"
	RolePatient    = "patient"
	RoleAdmin      = "admin"
)
