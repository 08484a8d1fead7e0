package console

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consultcall/internal/callflow"
	"github.com/petervdpas/consultcall/internal/logbuf"
	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/rtc"
	"github.com/petervdpas/consultcall/internal/session"
	"github.com/petervdpas/consultcall/internal/util"
)

var errUnavailable = errors.New("not available for this role")

type callStateVM struct {
	Role     string             `json:"role"`
	Call     string             `json:"call"`
	Incoming *callflow.Incoming `json:"incoming,omitempty"`
	Ringing  bool               `json:"ringing"`
	Session  string             `json:"session,omitempty"`
	Media    *rtc.State         `json:"media,omitempty"`
	Timer    *session.State     `json:"timer,omitempty"`
}

func (s *Server) callState() callStateVM {
	vm := callStateVM{Role: s.d.Role, Ringing: s.d.Hub.Ringing()}
	switch {
	case s.d.Answerer != nil:
		vm.Call = s.d.Answerer.State().String()
		vm.Incoming = s.d.Answerer.Incoming()
	case s.d.Caller != nil:
		vm.Call = s.d.Caller.State().String()
		vm.Session = s.d.Caller.Session()
	}
	if s.d.Media != nil {
		st := s.d.Media.State()
		vm.Media = &st
	}
	if sess := s.d.Session(); sess != nil {
		st := sess.State()
		vm.Timer = &st
	}
	return vm
}

func (s *Server) registerCall(mux *http.ServeMux) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, s.callState())
	})

	// POST /api/call/accept answers the ringing call and creates the session.
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if s.d.Answerer == nil {
			writeErr(w, http.StatusNotFound, errUnavailable)
			return
		}
		grant, err := s.d.Answerer.Accept(r.Context())
		switch {
		case errors.Is(err, callflow.ErrNotRinging):
			writeErr(w, http.StatusConflict, err)
		case err != nil:
			writeErr(w, http.StatusBadGateway, err)
		default:
			util.WriteJSON(w, http.StatusOK, map[string]string{
				"status":  "accepted",
				"session": grant.Session.ID,
			})
		}
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if s.d.Answerer == nil {
			writeErr(w, http.StatusNotFound, errUnavailable)
			return
		}
		if err := s.d.Answerer.Reject(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, callflow.ErrNotRinging) {
				status = http.StatusConflict
			}
			writeErr(w, status, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/request", func(w http.ResponseWriter, r *http.Request, req struct {
		AppointmentID string `json:"appointmentId"`
		SpecialistID  string `json:"specialistId"`
	}) {
		if s.d.Caller == nil {
			writeErr(w, http.StatusNotFound, errUnavailable)
			return
		}
		if err := s.d.Caller.RequestCall(req.AppointmentID, req.SpecialistID); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "calling", "appointmentId": req.AppointmentID})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.toggle(w, "audio")
	})
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.toggle(w, "video")
	})

	// POST /api/call/end ends the consultation for both sides, then drops
	// the media.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		var endErr error
		if sess := s.d.Session(); sess != nil {
			endErr = sess.EndSession(r.Context())
		}
		if s.d.Media != nil {
			s.d.Media.EndCall()
		}
		if endErr != nil {
			log.Printf("CONSOLE: end session: %v", endErr)
			writeErr(w, http.StatusBadGateway, endErr)
			return
		}
		util.WriteJSON(w, http.StatusOK, s.callState())
	})

	// GET /api/call/remote streams the remote participant as WebM over a
	// websocket: the init segment first, then one cluster per message.
	handleGet(mux, "/api/call/remote", func(w http.ResponseWriter, r *http.Request) {
		if s.d.Remote == nil {
			http.Error(w, "no remote view", http.StatusNotFound)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CONSOLE: remote view upgrade error: %v", err)
			return
		}
		defer conn.Close()

		dataCh, cancel := s.d.Remote.Subscribe()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}

func (s *Server) toggle(w http.ResponseWriter, kind string) {
	if s.d.Media == nil {
		writeErr(w, http.StatusNotFound, errUnavailable)
		return
	}
	var (
		muted bool
		err   error
	)
	if kind == "audio" {
		muted, err = s.d.Media.ToggleMuteAudio()
	} else {
		muted, err = s.d.Media.ToggleMuteVideo()
	}
	switch {
	case errors.Is(err, rtc.ErrNoTrack):
		writeErr(w, http.StatusConflict, err)
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
	default:
		util.WriteJSON(w, http.StatusOK, map[string]any{"kind": kind, "muted": muted})
	}
}

func (s *Server) registerEvents(mux *http.ServeMux) {
	handlePost(mux, "/api/sound", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		if s.d.Sound != nil {
			if err := s.d.Sound.SetSoundEnabled(req.Enabled); err != nil {
				writeErr(w, http.StatusInternalServerError, err)
				return
			}
		}
		if s.d.Answerer != nil {
			s.d.Answerer.SetSound(req.Enabled)
		}
		util.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	})

	// GET /api/events replays the recent events, then streams new ones.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		ch, cancel := s.d.Hub.Subscribe()
		defer cancel()

		flusher, ok := util.StartSSE(w)
		if !ok {
			return
		}
		_ = util.WriteSSE(w, "connected", map[string]string{"role": s.d.Role})
		for _, e := range s.d.Hub.Recent() {
			_ = util.WriteSSE(w, string(e.Kind), e)
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := util.WriteSSE(w, string(e.Kind), e); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		if s.d.Logs == nil {
			util.WriteJSON(w, http.StatusOK, []logbuf.Entry{})
			return
		}
		s.d.Logs.ServeJSON(w, r)
	})
	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		if s.d.Logs == nil {
			http.Error(w, "no log buffer", http.StatusNotFound)
			return
		}
		s.d.Logs.ServeSSE(w, r)
	})
}

var _ notify.Notifier = (*Hub)(nil)
var _ callflow.Ringer = (*Hub)(nil)
