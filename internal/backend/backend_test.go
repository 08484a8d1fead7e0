package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAppointmentUnwrapsEnvelopeAndRefs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/consultation-appointments/a1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{"success":true,"data":{"_id":"a1","patient":"p1","consultant":{"_id":"s1","name":"Dr. A"},"duration":15,"status":"pending"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", "tok")
	a, err := c.Appointment(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1" || a.Patient.ID != "p1" || a.Consultant.ID != "s1" || a.Consultant.Name != "Dr. A" {
		t.Fatalf("appointment = %+v", a)
	}
	if a.TotalSeconds() != 900 || a.Status != StatusPending {
		t.Fatalf("total=%d status=%q", a.TotalSeconds(), a.Status)
	}
}

func TestStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/consultation-appointments/missing":
			http.Error(w, "no such appointment", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Appointment(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = c.CreateVideoSession(context.Background(), CreateVideoSession{Appointment: "a1"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Fatalf("expected 500 StatusError, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("500 matched ErrNotFound")
	}
}

func TestCreateVideoSessionAndPatches(t *testing.T) {
	var gotStart, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		json.Unmarshal(body, &m)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/video-sessions":
			if m["appointment"] != "a1" || m["specialist"] != "s1" {
				t.Errorf("create body = %s", body)
			}
			w.Write([]byte(`{"session":{"_id":"vs1","appointment":"a1"},"specialistToken":"st","patientToken":"pt"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/video-sessions/vs1":
			gotStart = m["startTime"]
		case r.Method == http.MethodPut && r.URL.Path == "/consultation-appointments/a1":
			gotStatus = m["status"]
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	ctx := context.Background()
	g, err := c.CreateVideoSession(ctx, CreateVideoSession{Appointment: "a1", Specialist: "s1", Patient: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if g.Session.ID != "vs1" || g.SpecialistToken != "st" || g.PatientToken != "pt" {
		t.Fatalf("grant = %+v", g)
	}

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := c.PatchSessionStart(ctx, "vs1", start); err != nil {
		t.Fatal(err)
	}
	if gotStart != "2026-03-01T10:00:00Z" {
		t.Fatalf("startTime = %q", gotStart)
	}
	if err := c.CompleteAppointment(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if gotStatus != StatusCompleted {
		t.Fatalf("status = %q", gotStatus)
	}
}

func TestCreateVideoSessionWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session":{}}`))
	}))
	defer srv.Close()
	if _, err := NewClient(srv.URL, "").CreateVideoSession(context.Background(), CreateVideoSession{}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}
