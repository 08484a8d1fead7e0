package callflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/consultcall/internal/backend"
	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/storage"
	"github.com/petervdpas/consultcall/internal/util"
)

// Incoming is the call currently ringing. Appointment is nil until the
// appointment fetch has completed.
type Incoming struct {
	AppointmentID string               `json:"appointmentId"`
	Appointment   *backend.Appointment `json:"appointment,omitempty"`
}

// SpecialistOptions wires a Specialist. Ringer and Notifier may be nil.
type SpecialistOptions struct {
	User     proto.User
	Signaler proto.Signaler
	Backend  Backend
	Store    Store
	Ringer   Ringer
	Notifier notify.Notifier

	// SoundDefault applies until the user has chosen a sound preference.
	SoundDefault bool
	FetchTimeout time.Duration
}

// Specialist is the answering side. It holds at most one incoming call;
// a newer invitation replaces the older one.
type Specialist struct {
	opts SpecialistOptions

	// ringMu keeps Ringer calls in the same order as changes to ringing.
	// Taken before mu.
	ringMu sync.Mutex

	mu       sync.Mutex
	state    State
	incoming *Incoming
	gen      uint64 // bumps whenever incoming changes
	ringing  bool
}

// NewSpecialist returns an idle answerer. Call Register to receive calls.
func NewSpecialist(opts SpecialistOptions) *Specialist {
	if opts.Ringer == nil {
		opts.Ringer = nopRinger{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = util.DefaultFetchTimeout
	}
	return &Specialist{opts: opts}
}

// Register subscribes to the relay events of the call layer and asks once
// whether ringtones may play.
func (s *Specialist) Register() {
	sig := s.opts.Signaler
	sig.On(proto.EventIncomingCall, handlerKey, func(m proto.Message) {
		s.handleIncoming(m.(proto.IncomingCall))
	})
	sig.On(proto.EventCallTimeout, handlerKey, func(m proto.Message) {
		s.handleTimeout(m.(proto.CallTimeout).AppointmentID)
	})

	if st := s.opts.Store; st != nil && !st.SoundPromptShown() {
		s.opts.Notifier.Notify(notify.Event{
			Kind:    notify.KindSound,
			Message: "Play a ringtone for incoming calls?",
		})
		if err := st.SetSoundPromptShown(); err != nil {
			log.Printf("CALL: store sound prompt flag: %v", err)
		}
	}
}

// Unregister drops the call handlers and silences the ringtone.
func (s *Specialist) Unregister() {
	s.opts.Signaler.Off(proto.EventIncomingCall, handlerKey)
	s.opts.Signaler.Off(proto.EventCallTimeout, handlerKey)
	s.stopRinging()
}

// State is the state of the current or last invitation.
func (s *Specialist) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Incoming returns a copy of the ringing call, or nil.
func (s *Specialist) Incoming() *Incoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return nil
	}
	cp := *s.incoming
	return &cp
}

// Ringing reports whether the ringtone is playing.
func (s *Specialist) Ringing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringing
}

func (s *Specialist) soundEnabled() bool {
	if s.opts.Store == nil {
		return s.opts.SoundDefault
	}
	return s.opts.Store.SoundEnabled(s.opts.SoundDefault)
}

func (s *Specialist) handleIncoming(m proto.IncomingCall) {
	if m.AppointmentID == "" {
		log.Printf("CALL: incoming-call without appointment id dropped")
		return
	}
	sound := s.soundEnabled()

	s.mu.Lock()
	next, _ := Next(s.state, TriggerRing)
	s.state = next
	s.incoming = &Incoming{AppointmentID: m.AppointmentID}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	log.Printf("CALL [%s]: incoming", m.AppointmentID)
	// Ring before the appointment is known to keep accept latency low.
	if sound {
		s.startRinging(gen)
	}
	go s.fetchAndSurface(gen, m.AppointmentID)
}

// startRinging starts the ringtone unless the call identified by gen has
// already been answered or replaced.
func (s *Specialist) startRinging(gen uint64) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.mu.Lock()
	start := !s.ringing && s.gen == gen && s.incoming != nil
	if start {
		s.ringing = true
	}
	s.mu.Unlock()
	if start {
		s.opts.Ringer.Start()
	}
}

func (s *Specialist) fetchAndSurface(gen uint64, appointmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
	defer cancel()
	appt, err := s.opts.Backend.Appointment(ctx, appointmentID)

	s.mu.Lock()
	if s.gen != gen || s.state != Ringing {
		s.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("CALL [%s]: fetch appointment: %v", appointmentID, err)
	} else {
		s.incoming.Appointment = &appt
	}
	inc := *s.incoming
	s.mu.Unlock()

	s.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindRinging,
		AppointmentID: appointmentID,
		Message:       "Incoming consultation call",
		Data:          inc,
	})
}

// Accept answers the ringing call and sets up the video session. The
// ringing state is cleared even when session creation fails; the patient
// is then told with session-failed.
func (s *Specialist) Accept(ctx context.Context) (backend.VideoSessionGrant, error) {
	s.mu.Lock()
	if s.state != Ringing || s.incoming == nil {
		s.mu.Unlock()
		return backend.VideoSessionGrant{}, ErrNotRinging
	}
	inc := *s.incoming
	s.state, _ = Next(s.state, TriggerAccept)
	s.incoming = nil
	s.gen++
	s.mu.Unlock()

	s.stopRinging()
	s.opts.Notifier.Notify(notify.Event{Kind: notify.KindDismissed, AppointmentID: inc.AppointmentID})

	if err := s.opts.Signaler.Emit(proto.AcceptCall{SpecialistID: s.opts.User.ID, AppointmentID: inc.AppointmentID}); err != nil {
		log.Printf("CALL [%s]: emit accept-call: %v", inc.AppointmentID, err)
	}
	log.Printf("CALL [%s]: accepted", inc.AppointmentID)

	grant, err := s.createSession(ctx, inc)
	if err != nil {
		s.fail(inc.AppointmentID, err)
		return grant, err
	}

	if st := s.opts.Store; st != nil {
		if err := st.SaveActiveVideoSession(storage.ActiveVideoSession{
			AppointmentID:   inc.AppointmentID,
			Session:         grant.Session.ID,
			SpecialistToken: grant.SpecialistToken,
			PatientToken:    grant.PatientToken,
		}); err != nil {
			log.Printf("CALL [%s]: persist video session: %v", inc.AppointmentID, err)
		}
	}

	if err := s.opts.Signaler.Emit(proto.SessionCreated{
		AppointmentID: inc.AppointmentID,
		Session: proto.SessionInfo{
			ID:          grant.Session.ID,
			Appointment: inc.AppointmentID,
			Specialist:  grant.Session.Specialist,
			Patient:     grant.Session.Patient,
		},
		SpecialistToken: grant.SpecialistToken,
		PatientToken:    grant.PatientToken,
	}); err != nil {
		log.Printf("CALL [%s]: emit session-created: %v", inc.AppointmentID, err)
	}

	s.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindNavigate,
		AppointmentID: inc.AppointmentID,
		SessionID:     grant.Session.ID,
	})
	return grant, nil
}

func (s *Specialist) createSession(ctx context.Context, inc Incoming) (backend.VideoSessionGrant, error) {
	appt := inc.Appointment
	if appt == nil {
		a, err := s.opts.Backend.Appointment(ctx, inc.AppointmentID)
		if err != nil {
			return backend.VideoSessionGrant{}, fmt.Errorf("fetch appointment: %w", err)
		}
		appt = &a
	}
	grant, err := s.opts.Backend.CreateVideoSession(ctx, backend.CreateVideoSession{
		Appointment: inc.AppointmentID,
		Specialist:  s.opts.User.ID,
		Patient:     appt.Patient.ID,
	})
	if err != nil {
		return grant, fmt.Errorf("create video session: %w", err)
	}
	if grant.Session.Specialist == "" {
		grant.Session.Specialist = s.opts.User.ID
	}
	if grant.Session.Patient == "" {
		grant.Session.Patient = appt.Patient.ID
	}
	return grant, nil
}

func (s *Specialist) fail(appointmentID string, err error) {
	log.Printf("CALL [%s]: %v", appointmentID, err)

	s.mu.Lock()
	if next, terr := Next(s.state, TriggerSessionFailed); terr == nil {
		s.state = next
	}
	s.mu.Unlock()

	if eerr := s.opts.Signaler.Emit(proto.SessionFailed{AppointmentID: appointmentID, Reason: err.Error()}); eerr != nil {
		log.Printf("CALL [%s]: emit session-failed: %v", appointmentID, eerr)
	}
	s.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindToast,
		AppointmentID: appointmentID,
		Level:         notify.LevelError,
		Message:       "Could not start the video session",
	})
}

// Reject declines the ringing call. No video session is created.
func (s *Specialist) Reject() error {
	s.mu.Lock()
	if s.state != Ringing || s.incoming == nil {
		s.mu.Unlock()
		return ErrNotRinging
	}
	id := s.incoming.AppointmentID
	s.state, _ = Next(s.state, TriggerReject)
	s.incoming = nil
	s.gen++
	s.mu.Unlock()

	s.stopRinging()
	s.opts.Notifier.Notify(notify.Event{Kind: notify.KindDismissed, AppointmentID: id})

	log.Printf("CALL [%s]: rejected", id)
	return s.opts.Signaler.Emit(proto.RejectCall{SpecialistID: s.opts.User.ID, AppointmentID: id})
}

func (s *Specialist) handleTimeout(appointmentID string) {
	s.mu.Lock()
	if s.state != Ringing || s.incoming == nil || s.incoming.AppointmentID != appointmentID {
		s.mu.Unlock()
		return
	}
	s.state, _ = Next(s.state, TriggerTimeout)
	s.incoming = nil
	s.gen++
	s.mu.Unlock()

	s.stopRinging()
	log.Printf("CALL [%s]: timed out", appointmentID)
	s.opts.Notifier.Notify(notify.Event{Kind: notify.KindDismissed, AppointmentID: appointmentID})
	s.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindToast,
		AppointmentID: appointmentID,
		Level:         notify.LevelWarning,
		Message:       "Missed call",
	})
}

// SetSound turns the ringtone preference on or off. Turning it off stops a
// ringtone that is already playing.
func (s *Specialist) SetSound(on bool) {
	if !on {
		s.stopRinging()
	}
}

func (s *Specialist) stopRinging() {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.mu.Lock()
	was := s.ringing
	s.ringing = false
	s.mu.Unlock()
	if was {
		s.opts.Ringer.Stop()
	}
}
