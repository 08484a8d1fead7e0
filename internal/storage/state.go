package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	keyActiveVideoSession = "activeVideoSession"
	keySoundEnabled       = "soundEnabled"
	keySoundPromptShown   = "soundPromptShown"
)

func sessionStartKey(appointmentID string) string { return "sessionStartTime-" + appointmentID }
func completedKey(appointmentID string) string    { return "appointmentCompleted-" + appointmentID }

// ActiveVideoSession is what a participant needs to rejoin the current
// video session after a restart.
type ActiveVideoSession struct {
	AppointmentID   string `json:"appointmentId"`
	Session         string `json:"session"`
	SpecialistToken string `json:"specialistToken"`
	PatientToken    string `json:"patientToken"`
}

// AnchorSession records at as the session start for the appointment unless
// an anchor already exists. The stored anchor is returned either way, so
// concurrent mounts agree on one start time.
func (d *DB) AnchorSession(appointmentID string, at time.Time) (time.Time, error) {
	v, err := d.SetIfAbsent(sessionStartKey(appointmentID), strconv.FormatInt(at.UnixMilli(), 10))
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt session anchor for %s: %w", appointmentID, err)
	}
	return time.UnixMilli(ms), nil
}

// SessionAnchor returns the stored start time for the appointment.
func (d *DB) SessionAnchor(appointmentID string) (time.Time, bool, error) {
	v, ok, err := d.Get(sessionStartKey(appointmentID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt session anchor for %s: %w", appointmentID, err)
	}
	return time.UnixMilli(ms), true, nil
}

// ClearSessionAnchor forgets the start time once the session is over.
func (d *DB) ClearSessionAnchor(appointmentID string) error {
	return d.Delete(sessionStartKey(appointmentID))
}

// MarkCompleted records locally that the appointment has been completed, so
// a remount never re-anchors it even if the backend update was lost.
func (d *DB) MarkCompleted(appointmentID string) error {
	return d.Set(completedKey(appointmentID), "true")
}

func (d *DB) IsCompleted(appointmentID string) (bool, error) {
	v, ok, err := d.Get(completedKey(appointmentID))
	return ok && v == "true", err
}

// SaveActiveVideoSession replaces the stored active session.
func (d *DB) SaveActiveVideoSession(s ActiveVideoSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return d.Set(keyActiveVideoSession, string(b))
}

// ActiveVideoSession returns the stored session, if any.
func (d *DB) ActiveVideoSession() (ActiveVideoSession, bool, error) {
	var s ActiveVideoSession
	v, ok, err := d.Get(keyActiveVideoSession)
	if err != nil || !ok {
		return s, false, err
	}
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return s, false, fmt.Errorf("corrupt active video session: %w", err)
	}
	return s, true, nil
}

func (d *DB) ClearActiveVideoSession() error {
	return d.Delete(keyActiveVideoSession)
}

// SoundEnabled returns the stored preference, or def when none was stored.
func (d *DB) SoundEnabled(def bool) bool {
	return d.boolValue(keySoundEnabled, def)
}

func (d *DB) SetSoundEnabled(on bool) error {
	return d.Set(keySoundEnabled, strconv.FormatBool(on))
}

// SoundPromptShown reports whether the ringtone question was asked.
func (d *DB) SoundPromptShown() bool {
	return d.boolValue(keySoundPromptShown, false)
}

func (d *DB) SetSoundPromptShown() error {
	return d.Set(keySoundPromptShown, "true")
}

// Values are stored as "true"/"false"; anything else reads as def.
func (d *DB) boolValue(key string, def bool) bool {
	v, ok, err := d.Get(key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
