package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/consultcall/internal/auth"
	"github.com/petervdpas/consultcall/internal/backend"
	"github.com/petervdpas/consultcall/internal/callflow"
	"github.com/petervdpas/consultcall/internal/config"
	"github.com/petervdpas/consultcall/internal/console"
	"github.com/petervdpas/consultcall/internal/notify"
	"github.com/petervdpas/consultcall/internal/presence"
	"github.com/petervdpas/consultcall/internal/proto"
	"github.com/petervdpas/consultcall/internal/rtc"
	"github.com/petervdpas/consultcall/internal/session"
	"github.com/petervdpas/consultcall/internal/storage"
	"github.com/petervdpas/consultcall/internal/transport"
)

// RunAgent runs one headless participant: it keeps the relay connection,
// answers or places calls, runs the session countdown and the media, and
// serves the local console. It returns when ctx ends.
func RunAgent(ctx context.Context, opt Options) error {
	logs := setupLogging()
	cfg := opt.Cfg
	logBanner("agent", opt.Dir, opt.CfgPath)

	if cfg.Identity.Token == "" {
		return errors.New("no identity token: set identity.token or CONSULTCALL_TOKEN")
	}
	user, err := auth.Identity(cfg.Identity.Token)
	if err != nil {
		return err
	}
	if user.Role == proto.RoleAdmin {
		return errors.New("admin tokens cannot run an agent")
	}
	log.Printf("Agent identity : %s (%s)", user.ID, user.Role)

	db, err := storage.Open(opt.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	bk := backend.NewClient(cfg.Client.BackendURL, cfg.Identity.Token)
	conn := transport.New(transport.Options{
		URL:   cfg.Client.RelayURL,
		Token: cfg.Identity.Token,
	})
	defer conn.Close()

	hub := console.NewHub()
	views := &sessions{ctx: ctx, role: user.Role}

	notifier := notify.Tee(hub, notify.Func(func(e notify.Event) {
		switch e.Kind {
		case notify.KindNavigate:
			go views.open(e.AppointmentID, e.SessionID)
		case notify.KindEnded:
			if err := db.ClearActiveVideoSession(); err != nil {
				log.Printf("SESSION [%s]: clear active video session: %v", e.AppointmentID, err)
			}
		}
	}))

	// ── Media
	src, err := rtc.SourceFor(cfg.Client.Media)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	api, err := rtc.NewAPI(rtc.APIConfig{LogLevel: cfg.RTC.LogLevel}, src)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	sink := rtc.NewWebMSink(user.ID)
	neg, err := rtc.New(rtc.Options{
		Signaler:    conn,
		API:         api,
		ICEServers:  cfg.RTC.ICEServers,
		Media:       src,
		Sink:        sink,
		Notifier:    notifier,
		PLIInterval: time.Duration(cfg.RTC.PLIIntervalMs) * time.Millisecond,
		AutoAccept:  user.IsSpecialist(),
	})
	if err != nil {
		return err
	}
	neg.Register()

	// ── Session view
	views.media = neg
	views.newController = func(appointmentID, sessionID string) (*session.Controller, error) {
		return session.New(session.Options{
			AppointmentID: appointmentID,
			SessionID:     sessionID,
			Role:          user.Role,
			Backend:       bk,
			Store:         db,
			Signaler:      conn,
			Notifier:      notifier,
			EndCall: func() {
				if err := neg.LeaveRoom(); err != nil {
					log.Printf("SESSION [%s]: leave room: %v", appointmentID, err)
				}
			},
			Grace:      time.Duration(cfg.Session.GraceSec) * time.Second,
			Thresholds: cfg.Session.Thresholds,
		})
	}

	// ── Call layer
	deps := console.Deps{
		Role:    user.Role,
		Hub:     hub,
		Media:   neg,
		Remote:  sink,
		Sound:   db,
		Logs:    logs,
		Session: views.Current,
	}
	var specialist *callflow.Specialist
	if user.IsSpecialist() {
		presence.New(conn, user, time.Duration(cfg.Client.PresenceDelayMs)*time.Millisecond).Register()
		specialist = callflow.NewSpecialist(callflow.SpecialistOptions{
			User:         user,
			Signaler:     conn,
			Backend:      bk,
			Store:        db,
			Ringer:       hub,
			Notifier:     notifier,
			SoundDefault: cfg.Client.SoundEnabled,
		})
		specialist.Register()
		deps.Answerer = specialist
	} else {
		patient := callflow.NewPatient(callflow.PatientOptions{
			User:     user,
			Signaler: conn,
			Store:    db,
			Notifier: notifier,
		})
		patient.Register()
		deps.Caller = patient
	}

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			if err := db.SetSoundEnabled(c.Client.SoundEnabled); err != nil {
				log.Printf("CONFIG: store sound preference: %v", err)
			}
			if specialist != nil {
				specialist.SetSound(c.Client.SoundEnabled)
			}
		})
		if err != nil {
			log.Printf("CONFIG: hot reload disabled: %v", err)
		}
	}

	conn.Start(ctx)
	log.Printf("Relay          : %s", cfg.Client.RelayURL)

	// A session that was open when the agent stopped is reopened.
	if active, ok, err := db.ActiveVideoSession(); err != nil {
		log.Printf("SESSION: read active video session: %v", err)
	} else if ok {
		if done, _ := db.IsCompleted(active.AppointmentID); done {
			_ = db.ClearActiveVideoSession()
		} else {
			log.Printf("SESSION [%s]: resuming session %s", active.AppointmentID, active.Session)
			views.open(active.AppointmentID, active.Session)
		}
	}

	if cfg.Client.HTTPAddr != "" {
		listen, url := NormalizeLocalConsole(cfg.Client.HTTPAddr)
		if err := console.New(listen, deps).Start(ctx); err != nil {
			return fmt.Errorf("console: %w", err)
		}
		log.Printf("Console        : %s", url)
	}

	<-ctx.Done()
	views.close()
	return nil
}
