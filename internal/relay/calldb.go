package relay

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Call outcomes stored in the call log.
const (
	OutcomeAccepted     = "accepted"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeFailed       = "failed"
	OutcomeCancelled    = "cancelled"
)

// CallRecord is one resolved invitation.
type CallRecord struct {
	AppointmentID string    `json:"appointmentId"`
	PatientID     string    `json:"patientId"`
	SpecialistID  string    `json:"specialistId"`
	Outcome       string    `json:"outcome"`
	RequestedAt   time.Time `json:"requestedAt"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

// callDB is the optional SQLite log of call outcomes. Several relay
// instances may share the file.
type callDB struct {
	db *sql.DB
	mu sync.Mutex
}

func openCallDB(path string) (*callDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS calls (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		appointment_id TEXT NOT NULL,
		patient_id     TEXT NOT NULL DEFAULT '',
		specialist_id  TEXT NOT NULL DEFAULT '',
		outcome        TEXT NOT NULL,
		requested_at   INTEGER NOT NULL,
		resolved_at    INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS calls_appointment ON calls (appointment_id)`); err != nil {
		db.Close()
		return nil, err
	}

	return &callDB{db: db}, nil
}

func (p *callDB) record(r CallRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`INSERT INTO calls (appointment_id, patient_id, specialist_id, outcome, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.AppointmentID, r.PatientID, r.SpecialistID, r.Outcome,
		r.RequestedAt.UnixMilli(), r.ResolvedAt.UnixMilli())
	if err != nil {
		log.Printf("RELAY: calldb insert error: %v", err)
	}
}

// recent returns the latest records, newest first. An empty appointment id
// matches every call.
func (p *callDB) recent(appointmentID string, limit int) ([]CallRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT appointment_id, patient_id, specialist_id, outcome, requested_at, resolved_at
		FROM calls
		WHERE ? = '' OR appointment_id = ?
		ORDER BY id DESC LIMIT ?`, appointmentID, appointmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CallRecord{}
	for rows.Next() {
		var r CallRecord
		var req, res int64
		if err := rows.Scan(&r.AppointmentID, &r.PatientID, &r.SpecialistID, &r.Outcome, &req, &res); err != nil {
			return nil, err
		}
		r.RequestedAt = time.UnixMilli(req)
		r.ResolvedAt = time.UnixMilli(res)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *callDB) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Close()
}
