// Package relay is the signaling relay: it tracks which specialists are
// online, routes call invitations between patients and specialists, forwards
// peer negotiation inside rooms and logs call outcomes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/petervdpas/consultcall/internal/auth"
	"github.com/petervdpas/consultcall/internal/logbuf"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/util"
)

const (
	DefaultRingTimeout = 45 * time.Second
	DefaultSweepSpec   = "@every 5s"
	maxCallsListed     = 100
)

// Options configures the relay. Zero values get the defaults.
type Options struct {
	Addr string

	// HS256 secret for client tokens. Empty trusts the token payload
	// without checking the signature.
	JWTSecret string

	RingTimeout time.Duration
	SweepSpec   string

	// SQLite call log; empty disables it.
	CallDBPath string

	// Served on /logs.json when set.
	Logs *logbuf.Buffer

	Now func() time.Time
}

type presenceEntry struct {
	User  proto.User `json:"user"`
	Since time.Time  `json:"since"`
	conn  *client
}

const (
	inviteRinging  = "ringing"
	inviteAccepted = "accepted"
)

// invite is a call request keyed by appointment id. It stays around after
// acceptance so session-created and session-failed reach the patient.
type invite struct {
	AppointmentID string    `json:"appointmentId"`
	PatientID     string    `json:"patientId"`
	SpecialistID  string    `json:"specialistId"`
	State         string    `json:"state"`
	Created       time.Time `json:"created"`
	patient       *client
}

// Server is the signaling relay: presence, call invitations, rooms and the
// admin endpoints.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener
	calls    *callDB
	cron     *cron.Cron

	mu       sync.Mutex
	clients  map[string]*client
	presence map[string]*presenceEntry
	invites  map[string]*invite
	rooms    map[string]map[*client]struct{}
	sessions map[string]string // video session id -> appointment id
}

// New builds a relay. Start listens and opens the call log.
func New(opts Options) *Server {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = DefaultSweepSpec
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		presence: make(map[string]*presenceEntry),
		invites:  make(map[string]*invite),
		rooms:    make(map[string]map[*client]struct{}),
		sessions: make(map[string]string),
	}
}

// Start opens the call log, schedules the ring timeout sweeper and serves
// until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.CallDBPath != "" {
		db, err := openCallDB(s.opts.CallDBPath)
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		s.calls = db
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.opts.SweepSpec, func() { s.Sweep(s.opts.Now()) }); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.opts.SweepSpec, err)
	}
	s.cron.Start()

	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		<-s.cron.Stop().Done()
		s.closeAll()
		if s.calls != nil {
			_ = s.calls.close()
		}
	}()

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("RELAY: listening on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()
	return nil
}

// URL returns the websocket endpoint once Start has bound the listener.
func (s *Server) URL() string {
	if s.ln == nil {
		return "ws://" + s.opts.Addr + "/ws"
	}
	return "ws://" + s.ln.Addr().String() + "/ws"
}

// Handler serves the websocket endpoint and the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/presence.json", s.handlePresenceJSON)
	mux.HandleFunc("/calls.json", s.handleCallsJSON)
	mux.HandleFunc("/logs.json", s.handleLogsJSON)
	return mux
}

// identify resolves the bearer token from the Authorization header, or the
// token query parameter for clients that cannot set headers.
func (s *Server) identify(r *http.Request) (proto.User, error) {
	tok, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		tok = r.URL.Query().Get("token")
		if tok == "" {
			return proto.User{}, auth.ErrNoToken
		}
	}
	if s.opts.JWTSecret == "" {
		return auth.Identity(tok)
	}
	return auth.Verify(s.opts.JWTSecret, tok)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.identify(r)
	if err != nil {
		log.Printf("RELAY: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: ws upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := newClient(ws, user)
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	log.Printf("RELAY: %s connected (%s, total=%d)", c.label(), c.id, n)

	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.sendControl(websocket.PingMessage, []byte("ping")); err != nil {
					_ = ws.Close()
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_, msg, err := proto.Decode(raw)
		if err != nil {
			log.Printf("RELAY: bad frame from %s: %v", c.label(), err)
			_ = c.send(proto.Error{Message: "invalid signaling frame"})
			continue
		}
		s.route(c, msg)
	}

	close(stopPing)
	_ = ws.Close()
	s.disconnect(c)
}

// closeAll drops every connection; their read loops then clean up.
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// requireAdmin guards the inspection endpoints when tokens are verified.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if s.opts.JWTSecret == "" {
		return true
	}
	user, err := s.identify(r)
	if err != nil || user.Role != proto.RoleAdmin {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// Presence returns the online specialists sorted by id.
func (s *Server) Presence() []proto.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.User, 0, len(s.presence))
	for _, e := range s.presence {
		out = append(out, e.User)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handlePresenceJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.mu.Lock()
	out := make([]presenceEntry, 0, len(s.presence))
	for _, e := range s.presence {
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	util.WriteJSON(w, http.StatusOK, out)
}

type callsVM struct {
	Pending []invite     `json:"pending"`
	Recent  []CallRecord `json:"recent"`
}

func (s *Server) handleCallsJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	limit := maxCallsListed
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}

	vm := callsVM{Pending: []invite{}, Recent: []CallRecord{}}
	s.mu.Lock()
	for _, inv := range s.invites {
		vm.Pending = append(vm.Pending, *inv)
	}
	s.mu.Unlock()
	sort.Slice(vm.Pending, func(i, j int) bool { return vm.Pending[i].Created.Before(vm.Pending[j].Created) })

	if s.calls != nil {
		recent, err := s.calls.recent(r.URL.Query().Get("appointment"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		vm.Recent = recent
	}
	util.WriteJSON(w, http.StatusOK, vm)
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.opts.Logs == nil {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode([]logbuf.Entry{})
		return
	}
	s.opts.Logs.ServeJSON(w, r)
}
