package console

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/consultcall/internal/backend"
	"github.com/petervdpas/consultcall/internal/callflow"
	"github.com/petervdpas/consultcall/internal/logbuf"
	"github.com/petervdpas/consultcall/internal/rtc"
	"github.com/petervdpas/consultcall/internal/session"
	"github.com/petervdpas/consultcall/internal/util"
)

// Answerer is the specialist's call layer.
type Answerer interface {
	State() callflow.State
	Incoming() *callflow.Incoming
	Ringing() bool
	Accept(ctx context.Context) (backend.VideoSessionGrant, error)
	Reject() error
	SetSound(on bool)
}

// Caller is the patient's call layer.
type Caller interface {
	State() callflow.State
	Session() string
	RequestCall(appointmentID, specialistID string) error
}

// Media is the peer connection of the current room.
type Media interface {
	State() rtc.State
	ToggleMuteAudio() (bool, error)
	ToggleMuteVideo() (bool, error)
	EndCall()
}

// Session is the countdown of the open consultation.
type Session interface {
	State() session.State
	EndSession(ctx context.Context) error
}

// RemoteView streams the remote participant as WebM.
type RemoteView interface {
	Subscribe() (<-chan []byte, func())
}

// SoundStore persists the ringtone preference.
type SoundStore interface {
	SetSoundEnabled(on bool) error
}

// Deps are the agent components the console drives.
type Deps struct {
	Role string
	Hub  *Hub

	// Exactly one of Answerer and Caller is set.
	Answerer Answerer
	Caller   Caller

	Media  Media
	Remote RemoteView
	Sound  SoundStore
	Logs   *logbuf.Buffer

	// Session returns the open session, or nil.
	Session func() Session
}

// Server is the agent's local HTTP console.
type Server struct {
	addr string
	d    Deps
	srv  *http.Server
	ln   net.Listener
}

// New prepares a console on addr. Start listens.
func New(addr string, d Deps) *Server {
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	if d.Session == nil {
		d.Session = func() Session { return nil }
	}
	return &Server{addr: addr, d: d}
}

// Start serves the console until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("CONSOLE: http://%s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("CONSOLE: server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start returned.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Handler returns the console routes, for Start and for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerCall(mux)
	s.registerEvents(mux)
	return mux
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// handlePost decodes the JSON body into Req before calling h. An empty body
// leaves Req zero.
func handlePost[Req any](mux *http.ServeMux, path string, h func(http.ResponseWriter, *http.Request, Req)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Req
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				http.Error(w, "invalid json body", http.StatusBadRequest)
				return
			}
		}
		h(w, r, req)
	})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	util.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
