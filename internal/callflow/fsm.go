// Package callflow implements the appointment call layer: a patient asks
// for a call, the specialist's phone rings, and the answer is carried back.
package callflow

import (
	"errors"
	"fmt"
)

// State of one call invitation as seen by a participant.
type State int

const (
	Idle     State = iota
	Ringing        // specialist: phone ringing; patient: waiting for an answer
	Accepted       // answer was yes, video session is being set up or exists
	Rejected
	TimedOut
	Failed // accepted, but the video session could not be created
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed-out"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Trigger is an input to the call state machine.
type Trigger int

const (
	TriggerRing Trigger = iota
	TriggerAccept
	TriggerReject
	TriggerTimeout
	TriggerSessionFailed
	TriggerReset
)

func (t Trigger) String() string {
	switch t {
	case TriggerRing:
		return "ring"
	case TriggerAccept:
		return "accept"
	case TriggerReject:
		return "reject"
	case TriggerTimeout:
		return "timeout"
	case TriggerSessionFailed:
		return "session-failed"
	case TriggerReset:
		return "reset"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

var (
	ErrIllegalTransition = errors.New("callflow: illegal transition")
	ErrNotRinging        = errors.New("callflow: no call is ringing")
)

// Next returns the state reached from s on t.
func Next(s State, t Trigger) (State, error) {
	switch t {
	case TriggerReset:
		return Idle, nil
	case TriggerRing:
		// A new invitation replaces whatever was there before.
		return Ringing, nil
	case TriggerAccept:
		if s == Ringing {
			return Accepted, nil
		}
	case TriggerReject:
		if s == Ringing {
			return Rejected, nil
		}
	case TriggerTimeout:
		if s == Ringing {
			return TimedOut, nil
		}
	case TriggerSessionFailed:
		if s == Accepted {
			return Failed, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, s)
}
