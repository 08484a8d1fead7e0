package callflow

import (
	"context"

	"github.com/petervdpas/consultcall/internal/backend"
	"github.com/petervdpas/consultcall/internal/storage"
)

const handlerKey = "callflow"

// Ringer plays the ringtone. Start and Stop must be cheap and idempotent.
type Ringer interface {
	Start()
	Stop()
}

// Backend fetches appointments and creates video sessions.
type Backend interface {
	Appointment(ctx context.Context, id string) (backend.Appointment, error)
	CreateVideoSession(ctx context.Context, req backend.CreateVideoSession) (backend.VideoSessionGrant, error)
}

// Store keeps the active video session and the sound preference.
type Store interface {
	SaveActiveVideoSession(storage.ActiveVideoSession) error
	SoundEnabled(def bool) bool
	SoundPromptShown() bool
	SetSoundPromptShown() error
}

type nopRinger struct{}

func (nopRinger) Start() {}
func (nopRinger) Stop()  {}
