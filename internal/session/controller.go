// Package session runs the countdown of a consultation: it anchors the start
// time once per appointment, raises the elapsed-time toasts, ends the session
// when time runs out and reacts to the other participant ending it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/consultcall/internal/backend"
	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/util"
)

const handlerKey = "session"

// DefaultGrace is added to the anchor before the countdown starts.
const DefaultGrace = 2 * time.Minute

// DefaultThresholds are the elapsed percentages that raise a toast.
var DefaultThresholds = []int{70, 80, 90, 95}

var (
	ErrNoDuration = errors.New("session: appointment has no duration")
	// ErrNotStarted is returned by Mount when the appointment has no start
	// anchor and is not pending, so no countdown can begin.
	ErrNotStarted = errors.New("session: appointment not pending and never started")
)

// Backend is the part of the REST API the countdown needs.
type Backend interface {
	Appointment(ctx context.Context, id string) (backend.Appointment, error)
	PatchSessionStart(ctx context.Context, sessionID string, start time.Time) error
	CompleteAppointment(ctx context.Context, appointmentID string) error
}

// Store persists the start anchor and the completion marker.
type Store interface {
	AnchorSession(appointmentID string, at time.Time) (time.Time, error)
	SessionAnchor(appointmentID string) (time.Time, bool, error)
	ClearSessionAnchor(appointmentID string) error
	MarkCompleted(appointmentID string) error
	IsCompleted(appointmentID string) (bool, error)
}

// Options configures a Controller. Zero values get the defaults.
type Options struct {
	AppointmentID string
	SessionID     string // video session id; empty skips the start-time patch
	Role          string // proto.RoleSpecialist or proto.RolePatient
	SpecialistID  string // filled from the appointment when empty

	Backend  Backend
	Store    Store
	Signaler proto.Signaler
	Notifier notify.Notifier

	// EndCall tears down the media once the session is over.
	EndCall func()

	Now          func() time.Time
	Grace        time.Duration
	Thresholds   []int
	FetchTimeout time.Duration
}

// State is a snapshot of the countdown.
type State struct {
	AppointmentID string    `json:"appointmentId"`
	StartTime     time.Time `json:"startTime"` // anchor plus grace
	TotalSeconds  int       `json:"totalSeconds"`
	Remaining     int       `json:"remaining"`
	Clock         string    `json:"clock"`
	Running       bool      `json:"running"`
	Ended         bool      `json:"ended"`
	Notified      []int     `json:"notified"`
}

// Controller runs the countdown of one appointment for one participant.
// Mount it once, then Run it until the session ends or Close is called.
type Controller struct {
	opts Options

	mu         sync.Mutex
	status     string
	specialist string
	start      time.Time
	total      int
	remaining  int
	running    bool
	ended      bool
	endSent    bool
	notified   map[int]bool
	stop       chan struct{}
	closed     bool
}

// New validates opts and returns an unmounted controller.
func New(opts Options) (*Controller, error) {
	if _, err := util.ValidateID(opts.AppointmentID); err != nil {
		return nil, fmt.Errorf("appointment id: %w", err)
	}
	if opts.Backend == nil || opts.Store == nil || opts.Signaler == nil {
		return nil, errors.New("session: backend, store and signaler are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.EndCall == nil {
		opts.EndCall = func() {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = util.DefaultFetchTimeout
	}
	return &Controller{
		opts:       opts,
		specialist: opts.SpecialistID,
		notified:   make(map[int]bool),
		stop:       make(chan struct{}),
	}, nil
}

// Register listens for session-ended from the other participant.
func (c *Controller) Register() {
	c.opts.Signaler.On(proto.EventSessionEnded, handlerKey, func(msg proto.Message) {
		if m, ok := msg.(proto.SessionEnded); ok {
			c.handleSessionEnded(m)
		}
	})
}

// Unregister removes the session-ended handler.
func (c *Controller) Unregister() {
	c.opts.Signaler.Off(proto.EventSessionEnded, handlerKey)
}

// Mount loads the appointment and establishes the start anchor. A completed
// appointment is never anchored again.
func (c *Controller) Mount(ctx context.Context) error {
	id := c.opts.AppointmentID

	done, err := c.opts.Store.IsCompleted(id)
	if err != nil {
		log.Printf("SESSION [%s]: read completion marker: %v", id, err)
	}
	if done {
		c.markEndedOnMount()
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	appt, err := c.opts.Backend.Appointment(fctx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch appointment: %w", err)
	}
	if appt.Status == backend.StatusCompleted {
		c.markEndedOnMount()
		return nil
	}
	total := appt.TotalSeconds()
	if total <= 0 {
		return ErrNoDuration
	}

	anchor, err := c.anchor(ctx, appt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.status = appt.Status
	if c.specialist == "" {
		c.specialist = appt.Consultant.ID
	}
	c.total = total
	c.remaining = total
	c.start = anchor.Add(c.opts.Grace)
	c.running = true
	c.mu.Unlock()
	log.Printf("SESSION [%s]: mounted, anchor=%s total=%ds", id, anchor.Format(time.RFC3339), total)

	c.Tick(c.opts.Now())
	return nil
}

// anchor returns the stored start time, creating it for a pending
// appointment that has none. Only the writer that created the anchor tells
// the backend. Any other status without an anchor is ErrNotStarted.
func (c *Controller) anchor(ctx context.Context, appt backend.Appointment) (time.Time, error) {
	id := c.opts.AppointmentID
	if at, ok, err := c.opts.Store.SessionAnchor(id); err != nil {
		return time.Time{}, err
	} else if ok {
		return at, nil
	}
	if appt.Status != backend.StatusPending {
		return time.Time{}, fmt.Errorf("%w: status %q", ErrNotStarted, appt.Status)
	}

	now := time.UnixMilli(c.opts.Now().UnixMilli())
	at, err := c.opts.Store.AnchorSession(id, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("anchor session: %w", err)
	}
	if !at.Equal(now) || c.opts.SessionID == "" {
		return at, nil
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	if err := c.opts.Backend.PatchSessionStart(pctx, c.opts.SessionID, at); err != nil {
		log.Printf("SESSION [%s]: patch start time: %v", id, err)
	}
	return at, nil
}

func (c *Controller) markEndedOnMount() {
	id := c.opts.AppointmentID
	if err := c.opts.Store.ClearSessionAnchor(id); err != nil {
		log.Printf("SESSION [%s]: clear anchor: %v", id, err)
	}
	c.mu.Lock()
	c.status = backend.StatusCompleted
	c.running = false
	c.ended = true
	c.mu.Unlock()
	log.Printf("SESSION [%s]: appointment already completed", id)
	c.opts.Notifier.Notify(notify.Event{Kind: notify.KindEnded, AppointmentID: id, SessionID: c.opts.SessionID})
}

// Tick advances the countdown to now. Each threshold toast fires once per
// mount; remaining time never increases and never drops below zero.
func (c *Controller) Tick(now time.Time) {
	id := c.opts.AppointmentID

	c.mu.Lock()
	if !c.running || c.ended {
		c.mu.Unlock()
		return
	}
	elapsed := int(now.Sub(c.start) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	pct := elapsed * 100 / c.total

	var toasts []int
	for _, th := range c.opts.Thresholds {
		if pct >= th && !c.notified[th] {
			c.notified[th] = true
			toasts = append(toasts, th)
		}
	}

	remaining := c.total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if remaining > c.remaining {
		remaining = c.remaining
	}
	c.remaining = remaining

	expired := remaining == 0
	if expired {
		c.running = false
		c.ended = true
	}
	c.mu.Unlock()

	for _, th := range toasts {
		log.Printf("SESSION [%s]: %d%% elapsed", id, th)
		c.opts.Notifier.Notify(notify.Event{
			Kind:          notify.KindToast,
			AppointmentID: id,
			Level:         notify.LevelWarning,
			Message:       fmt.Sprintf("%d%% of the consultation time has passed", th),
			Data:          th,
		})
	}
	c.opts.Notifier.Notify(notify.Event{
		Kind:          notify.KindTimer,
		AppointmentID: id,
		Message:       util.FormatClock(remaining),
		Data:          remaining,
	})

	if expired {
		log.Printf("SESSION [%s]: time is up", id)
		if err := c.EndSession(context.Background()); err != nil {
			log.Printf("SESSION [%s]: end session: %v", id, err)
		}
		c.opts.EndCall()
	}
}

// Run ticks once per second until ctx is done, the session ends or the
// controller is closed.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick(c.opts.Now())
			if c.State().Ended {
				return
			}
		}
	}
}

// EndSession tells the room the session is over and completes the
// appointment. Only the first call emits end-session.
func (c *Controller) EndSession(ctx context.Context) error {
	id := c.opts.AppointmentID

	c.mu.Lock()
	if c.endSent {
		c.mu.Unlock()
		return nil
	}
	c.endSent = true
	c.running = false
	c.ended = true
	c.status = backend.StatusCompleted
	c.mu.Unlock()

	sessionID := c.opts.SessionID
	if sessionID == "" {
		sessionID = id
	}
	var errs []error
	if err := c.opts.Signaler.Emit(proto.EndSession{SessionID: sessionID}); err != nil {
		errs = append(errs, fmt.Errorf("emit end-session: %w", err))
	}

	uctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	if err := c.opts.Backend.CompleteAppointment(uctx, id); err != nil {
		errs = append(errs, fmt.Errorf("complete appointment: %w", err))
	}
	c.finishLocally()

	log.Printf("SESSION [%s]: ended", id)
	c.opts.Notifier.Notify(notify.Event{Kind: notify.KindEnded, AppointmentID: id, SessionID: c.opts.SessionID})
	return errors.Join(errs...)
}

// finishLocally drops the anchor and records completion so a remount stays
// ended even when the backend update was lost.
func (c *Controller) finishLocally() {
	id := c.opts.AppointmentID
	if err := c.opts.Store.ClearSessionAnchor(id); err != nil {
		log.Printf("SESSION [%s]: clear anchor: %v", id, err)
	}
	if err := c.opts.Store.MarkCompleted(id); err != nil {
		log.Printf("SESSION [%s]: mark completed: %v", id, err)
	}
}

func (c *Controller) handleSessionEnded(m proto.SessionEnded) {
	id := c.opts.AppointmentID
	if m.AppointmentID != "" && m.AppointmentID != id {
		return
	}

	c.mu.Lock()
	already := c.ended
	c.running = false
	c.ended = true
	c.endSent = true
	c.status = backend.StatusCompleted
	c.mu.Unlock()

	log.Printf("SESSION [%s]: ended by the other participant", id)
	c.finishLocally()
	if !already {
		c.opts.Notifier.Notify(notify.Event{Kind: notify.KindEnded, AppointmentID: id, SessionID: c.opts.SessionID})
	}
	if c.opts.Role == proto.RolePatient {
		c.opts.Notifier.Notify(notify.Event{
			Kind:          notify.KindRating,
			AppointmentID: id,
			SessionID:     c.opts.SessionID,
			Message:       "How was your consultation?",
		})
	}
	c.opts.EndCall()
}

// Close stops the countdown. Leaving a session that is still pending tells
// the other participant, best effort.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	notifyPeer := !c.ended && c.status == backend.StatusPending
	specialist := c.specialist
	c.running = false
	c.mu.Unlock()

	c.Unregister()
	if notifyPeer {
		if err := c.opts.Signaler.Emit(proto.SessionEnded{
			Specialist:    specialist,
			AppointmentID: c.opts.AppointmentID,
		}); err != nil {
			log.Printf("SESSION [%s]: session-ended on close: %v", c.opts.AppointmentID, err)
		}
	}
}

// State returns a snapshot of the countdown.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		AppointmentID: c.opts.AppointmentID,
		StartTime:     c.start,
		TotalSeconds:  c.total,
		Remaining:     c.remaining,
		Clock:         util.FormatClock(c.remaining),
		Running:       c.running,
		Ended:         c.ended,
	}
	for _, th := range c.opts.Thresholds {
		if c.notified[th] {
			st.Notified = append(st.Notified, th)
		}
	}
	return st
}
