package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Ref is a reference to another record. The API returns either the bare
// id or the populated object.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*r = Ref{ID: id}
		return nil
	}
	var obj struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID, r.Name = obj.ID, obj.Name
	if r.ID == "" {
		r.ID = obj.MongoID
	}
	return nil
}

// Appointment statuses the call core cares about.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Appointment is a scheduled consultation. The call core reads it and
// only writes its status and start time.
type Appointment struct {
	ID         string     `json:"id"`
	Patient    Ref        `json:"patient"`
	Consultant Ref        `json:"consultant"`
	Date       string     `json:"date"`
	Duration   int        `json:"duration"` // minutes
	Status     string     `json:"status"`
	Type       string     `json:"type"`
	StartTime  *time.Time `json:"startTime,omitempty"`
}

func (a *Appointment) UnmarshalJSON(b []byte) error {
	type plain Appointment
	var v struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = Appointment(v.plain)
	if a.ID == "" {
		a.ID = v.MongoID
	}
	return nil
}

// TotalSeconds is the scheduled length of the consultation.
func (a Appointment) TotalSeconds() int { return a.Duration * 60 }

// VideoSession is the backend record of one consultation call.
type VideoSession struct {
	ID          string     `json:"id"`
	Appointment string     `json:"appointment"`
	Specialist  string     `json:"specialist"`
	Patient     string     `json:"patient"`
	StartTime   *time.Time `json:"startTime,omitempty"`
}

func (s *VideoSession) UnmarshalJSON(b []byte) error {
	type plain VideoSession
	var v struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = VideoSession(v.plain)
	if s.ID == "" {
		s.ID = v.MongoID
	}
	return nil
}

// VideoSessionGrant is the result of creating a session: the session and
// one access token per participant.
type VideoSessionGrant struct {
	Session         VideoSession `json:"session"`
	SpecialistToken string       `json:"specialistToken"`
	PatientToken    string       `json:"patientToken"`
}

// CreateVideoSession is the body of POST video-sessions.
type CreateVideoSession struct {
	Appointment string `json:"appointment"`
	Specialist  string `json:"specialist"`
	Patient     string `json:"patient"`
}

// Appointment fetches GET consultation-appointments/:id.
func (c *Client) Appointment(ctx context.Context, id string) (Appointment, error) {
	var a Appointment
	if err := c.FetchData(ctx, "consultation-appointments/"+url.PathEscape(id), &a); err != nil {
		return a, err
	}
	if a.ID == "" {
		a.ID = id
	}
	return a, nil
}

// CreateVideoSession calls POST video-sessions.
func (c *Client) CreateVideoSession(ctx context.Context, req CreateVideoSession) (VideoSessionGrant, error) {
	var g VideoSessionGrant
	if err := c.PostData(ctx, "video-sessions", req, &g); err != nil {
		return g, err
	}
	if g.Session.ID == "" {
		return g, fmt.Errorf("POST video-sessions: response has no session id")
	}
	return g, nil
}

// PatchSessionStart calls PUT video-sessions/:id with the anchored start.
func (c *Client) PatchSessionStart(ctx context.Context, sessionID string, start time.Time) error {
	body := map[string]string{"startTime": start.UTC().Format(time.RFC3339Nano)}
	return c.UpdateData(ctx, "video-sessions/"+url.PathEscape(sessionID), body, nil)
}

// CompleteAppointment calls PUT consultation-appointments/:id {status: completed}.
func (c *Client) CompleteAppointment(ctx context.Context, appointmentID string) error {
	body := map[string]string{"status": StatusCompleted}
	return c.UpdateData(ctx, "consultation-appointments/"+url.PathEscape(appointmentID), body, nil)
}
