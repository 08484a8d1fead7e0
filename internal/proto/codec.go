package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Frame is the envelope of every websocket text message.
type Frame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var (
	ErrUnknownEvent = errors.New("proto: unknown event")
	ErrLocalEvent   = errors.New("proto: lifecycle events are not sent on the wire")
)

// IsLocal reports whether event is a transport lifecycle event.
func IsLocal(event string) bool {
	switch event {
	case EventConnect, EventReconnect, EventDisconnect:
		return true
	}
	return false
}

// Encode wraps msg in a Frame with a fresh id.
func Encode(msg Message) ([]byte, error) {
	if IsLocal(msg.Event()) {
		return nil, ErrLocalEvent
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return json.Marshal(Frame{ID: uuid.NewString(), Event: msg.Event(), Data: data})
}

// Decode parses a raw frame and returns its typed message.
func Decode(b []byte) (Frame, Message, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, nil, fmt.Errorf("decode frame: %w", err)
	}
	msg, err := DecodeData(f.Event, f.Data)
	return f, msg, err
}

// DecodeData builds the Message for event from its JSON payload.
func DecodeData(event string, data json.RawMessage) (Message, error) {
	switch event {
	case EventSpecialistOnline:
		return decodeAs[SpecialistOnline](event, data)
	case EventSpecialistDisconnected:
		return decodeAs[SpecialistDisconnected](event, data)
	case EventRequestCall:
		return decodeAs[RequestCall](event, data)
	case EventIncomingCall:
		return decodeAs[IncomingCall](event, data)
	case EventAcceptCall:
		return decodeAs[AcceptCall](event, data)
	case EventRejectCall:
		return decodeAs[RejectCall](event, data)
	case EventCallTimeout:
		return decodeAs[CallTimeout](event, data)
	case EventSessionCreated:
		return decodeAs[SessionCreated](event, data)
	case EventSessionFailed:
		return decodeAs[SessionFailed](event, data)
	case EventJoinRoom:
		return decodeAs[JoinRoom](event, data)
	case EventLeaveRoom:
		return decodeAs[LeaveRoom](event, data)
	case EventCallRequest:
		return decodeAs[CallRequest](event, data)
	case EventCallAccepted:
		return decodeAs[CallAccepted](event, data)
	case EventCallRejected:
		return decodeAs[CallRejected](event, data)
	case EventOffer:
		return decodeAs[Offer](event, data)
	case EventAnswer:
		return decodeAs[Answer](event, data)
	case EventICECandidate:
		return decodeAs[ICECandidate](event, data)
	case EventEndSession:
		return decodeAs[EndSession](event, data)
	case EventSessionEnded:
		return decodeAs[SessionEnded](event, data)
	case EventError:
		return decodeAs[Error](event, data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

func decodeAs[T Message](event string, data json.RawMessage) (Message, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", event, err)
	}
	return v, nil
}
