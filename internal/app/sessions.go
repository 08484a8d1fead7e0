package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/consultcall/internal/console"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/rtc"
	"github.com/petervdpas/consultcall/internal/session"
)

const (
	callRetryInterval = 2 * time.Second
	callRetries       = 15
)

// roomMedia is the part of the negotiator the session view drives.
type roomMedia interface {
	JoinRoom(roomID string) error
	LeaveRoom() error
	RequestCall() error
	State() rtc.State
}

// sessions plays the consultation screen: navigating to a session mounts
// its countdown, joins the room and, on the patient side, asks the
// specialist to start the media.
type sessions struct {
	ctx   context.Context
	role  string
	media roomMedia

	newController func(appointmentID, sessionID string) (*session.Controller, error)

	retryInterval time.Duration
	retries       int

	mu      sync.Mutex
	current *session.Controller
	appt    string
}

func (m *sessions) open(appointmentID, sessionID string) {
	m.mu.Lock()
	if m.current != nil && m.appt == appointmentID {
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.current, m.appt = nil, ""
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
		if err := m.media.LeaveRoom(); err != nil {
			log.Printf("SESSION [%s]: leave previous room: %v", appointmentID, err)
		}
	}

	ctrl, err := m.newController(appointmentID, sessionID)
	if err != nil {
		log.Printf("SESSION [%s]: %v", appointmentID, err)
		return
	}
	ctrl.Register()

	m.mu.Lock()
	m.current, m.appt = ctrl, appointmentID
	m.mu.Unlock()

	if err := m.media.JoinRoom(appointmentID); err != nil {
		log.Printf("SESSION [%s]: join room: %v", appointmentID, err)
	}

	go func() {
		if err := ctrl.Mount(m.ctx); err != nil {
			log.Printf("SESSION [%s]: mount: %v", appointmentID, err)
			return
		}
		if ctrl.State().Ended {
			return
		}
		if m.role == proto.RolePatient {
			go m.callPeer(ctrl, appointmentID)
		}
		ctrl.Run(m.ctx)
	}()
}

// callPeer repeats call-request until the media is up. The specialist may
// join the room after the patient's first request has been relayed.
func (m *sessions) callPeer(ctrl *session.Controller, appointmentID string) {
	interval := m.retryInterval
	if interval <= 0 {
		interval = callRetryInterval
	}
	tries := m.retries
	if tries <= 0 {
		tries = callRetries
	}
	for i := 0; i < tries; i++ {
		if m.Current() != ctrl || ctrl.State().Ended || m.media.State().Active {
			return
		}
		if err := m.media.RequestCall(); err != nil {
			log.Printf("SESSION [%s]: call request: %v", appointmentID, err)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
	log.Printf("SESSION [%s]: specialist never picked up the media call", appointmentID)
}

// Current returns the open session, or nil.
func (m *sessions) Current() console.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

// close leaves the open session, if any.
func (m *sessions) close() {
	m.mu.Lock()
	prev := m.current
	m.current, m.appt = nil, ""
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	if err := m.media.LeaveRoom(); err != nil {
		log.Printf("SESSION: leave room: %v", err)
	}
}
