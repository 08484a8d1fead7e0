package callflow

import (
	"log"
	"sync"

	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/storage"
	"github.com/petervdpas/consultcall/internal/util"
)

// PatientOptions wires a Patient. Store and Notifier may be nil.
type PatientOptions struct {
	User     proto.User
	Signaler proto.Signaler
	Store    interface {
		SaveActiveVideoSession(storage.ActiveVideoSession) error
	}
	Notifier notify.Notifier
}

// Patient is the calling side: it requests a call for one appointment at a
// time and follows the specialist's answer.
type Patient struct {
	opts PatientOptions

	mu            sync.Mutex
	state         State
	appointmentID string
	specialistID  string
	sessionID     string
}

// NewPatient returns an idle requester. Call Register before RequestCall.
func NewPatient(opts PatientOptions) *Patient {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	return &Patient{opts: opts}
}

// Register subscribes to the answers the relay forwards to the patient.
func (p *Patient) Register() {
	sig := p.opts.Signaler
	sig.On(proto.EventAcceptCall, handlerKey, func(m proto.Message) {
		p.handleAnswer(m.(proto.AcceptCall).AppointmentID, TriggerAccept)
	})
	sig.On(proto.EventRejectCall, handlerKey, func(m proto.Message) {
		p.handleAnswer(m.(proto.RejectCall).AppointmentID, TriggerReject)
	})
	sig.On(proto.EventCallTimeout, handlerKey, func(m proto.Message) {
		p.handleAnswer(m.(proto.CallTimeout).AppointmentID, TriggerTimeout)
	})
	sig.On(proto.EventSessionCreated, handlerKey, func(m proto.Message) {
		p.handleSessionCreated(m.(proto.SessionCreated))
	})
	sig.On(proto.EventSessionFailed, handlerKey, func(m proto.Message) {
		p.handleSessionFailed(m.(proto.SessionFailed))
	})
	sig.On(proto.EventSpecialistDisconnected, handlerKey, func(m proto.Message) {
		p.handleSpecialistGone(m.(proto.SpecialistDisconnected).AppointmentID)
	})
	sig.On(proto.EventError, handlerKey, func(m proto.Message) {
		p.handleRelayError(m.(proto.Error).Message)
	})
}

// Unregister drops the answer handlers.
func (p *Patient) Unregister() {
	for _, ev := range []string{
		proto.EventAcceptCall, proto.EventRejectCall, proto.EventCallTimeout,
		proto.EventSessionCreated, proto.EventSessionFailed,
		proto.EventSpecialistDisconnected, proto.EventError,
	} {
		p.opts.Signaler.Off(ev, handlerKey)
	}
}

// State is the state of the current request.
func (p *Patient) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns the video session id once the specialist created it.
func (p *Patient) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// RequestCall asks the relay to ring the specialist for the appointment.
// A new request replaces any earlier one.
func (p *Patient) RequestCall(appointmentID, specialistID string) error {
	id, err := util.ValidateID(appointmentID)
	if err != nil {
		return err
	}
	sid, err := util.ValidateID(specialistID)
	if err != nil {
		return err
	}
	if err := p.opts.Signaler.Emit(proto.RequestCall{AppointmentID: id, SpecialistID: sid}); err != nil {
		return err
	}

	p.mu.Lock()
	p.state, _ = Next(p.state, TriggerRing)
	p.appointmentID = id
	p.specialistID = sid
	p.sessionID = ""
	p.mu.Unlock()

	log.Printf("CALL [%s]: calling specialist %s", id, sid)
	p.opts.Notifier.Notify(notify.Event{Kind: notify.KindToast, AppointmentID: id, Level: notify.LevelInfo, Message: "Calling the specialist"})
	return nil
}

func (p *Patient) current(appointmentID string) bool {
	return p.appointmentID != "" && p.appointmentID == appointmentID
}

func (p *Patient) handleAnswer(appointmentID string, t Trigger) {
	p.mu.Lock()
	if !p.current(appointmentID) {
		p.mu.Unlock()
		return
	}
	next, err := Next(p.state, t)
	if err != nil {
		p.mu.Unlock()
		log.Printf("CALL [%s]: ignoring %s: %v", appointmentID, t, err)
		return
	}
	p.state = next
	p.mu.Unlock()

	log.Printf("CALL [%s]: specialist answer: %s", appointmentID, next)
	switch next {
	case Accepted:
		p.opts.Notifier.Notify(notify.Event{Kind: notify.KindToast, AppointmentID: appointmentID, Level: notify.LevelSuccess, Message: "The specialist accepted your call"})
	case Rejected:
		p.opts.Notifier.Notify(notify.Event{Kind: notify.KindToast, AppointmentID: appointmentID, Level: notify.LevelWarning, Message: "The specialist declined your call"})
	case TimedOut:
		p.opts.Notifier.Notify(notify.Event{Kind: notify.KindToast, AppointmentID: appointmentID, Level: notify.LevelWarning, Message: "The specialist did not answer"})
	}
}

func (p *Patient) handleSessionCreated(m proto.SessionCreated) {
	p.mu.Lock()
	if !p.current(m.AppointmentID) {
		p.mu.Unlock()
		return
	}
	// session-created can overtake accept-call; it implies acceptance.
	if p.state == Ringing {
		p.state, _ = Next(p.state, TriggerAccept)
	}
	p.sessionID = m.Session.ID
	p.mu.Unlock()

	if st := p.opts.Store; st != nil {
		if err := st.SaveActiveVideoSession(storage.ActiveVideoSession{
			AppointmentID:   m.AppointmentID,
			Session:         m.Session.ID,
			SpecialistToken: m.SpecialistToken,
			PatientToken:    m.PatientToken,
		}); err != nil {
			log.Printf("CALL [%s]: persist video session: %v", m.AppointmentID, err)
		}
	}
	log.Printf("CALL [%s]: session %s created", m.AppointmentID, m.Session.ID)
	p.opts.Notifier.Notify(notify.Event{Kind: notify.KindNavigate, AppointmentID: m.AppointmentID, SessionID: m.Session.ID})
}

func (p *Patient) handleSessionFailed(m proto.SessionFailed) {
	p.mu.Lock()
	if !p.current(m.AppointmentID) {
		p.mu.Unlock()
		return
	}
	if p.state == Ringing {
		p.state, _ = Next(p.state, TriggerAccept)
	}
	p.state, _ = Next(p.state, TriggerSessionFailed)
	p.mu.Unlock()

	log.Printf("CALL [%s]: specialist could not create the session: %s", m.AppointmentID, m.Reason)
	p.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindToast,
		AppointmentID: m.AppointmentID,
		Level:         notify.LevelError,
		Message:       "The video session could not be started, please try again",
	})
}

func (p *Patient) handleSpecialistGone(appointmentID string) {
	p.mu.Lock()
	if !p.current(appointmentID) {
		p.mu.Unlock()
		return
	}
	specialist := p.specialistID
	p.state, _ = Next(p.state, TriggerReset)
	p.appointmentID = ""
	p.specialistID = ""
	p.sessionID = ""
	p.mu.Unlock()

	log.Printf("CALL [%s]: specialist %s disconnected", appointmentID, specialist)
	p.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindReselect,
		AppointmentID: appointmentID,
		Level:         notify.LevelError,
		Message:       "The specialist went offline, please choose another specialist",
	})
}

// The relay answers a request for an offline specialist with an error.
func (p *Patient) handleRelayError(msg string) {
	p.mu.Lock()
	id := p.appointmentID
	waiting := p.state == Ringing
	if waiting {
		p.state, _ = Next(p.state, TriggerReset)
	}
	p.mu.Unlock()

	log.Printf("CALL [%s]: relay error: %s", id, msg)
	if waiting {
		p.opts.Notifier.Notify(notify.Event{Kind: notify.KindReselect, AppointmentID: id, Level: notify.LevelError, Message: msg})
	}
}
