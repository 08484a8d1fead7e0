// Package notify carries the user-visible side effects of the call core:
// toasts, dialogs, navigation and prompts. The console renders them; tests
// record them.
package notify

import "sync"

type Kind string

const (
	KindToast     Kind = "toast"     // transient message
	KindRinging   Kind = "ringing"   // incoming call dialog
	KindDismissed Kind = "dismissed" // incoming call dialog closed
	KindNavigate  Kind = "navigate"  // open the session view
	KindRating    Kind = "rating"    // ask the patient to rate the consultation
	KindReselect  Kind = "reselect"  // specialist gone, pick another one
	KindSound     Kind = "sound"     // ask whether ringtones may play
	KindTimer     Kind = "timer"     // countdown update
	KindEnded     Kind = "ended"     // session is over
	KindRingtone  Kind = "ringtone"  // ringtone started (Data true) or stopped
)

// Level is the severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one user-visible side effect.
type Event struct {
	Kind          Kind   `json:"kind"`
	AppointmentID string `json:"appointmentId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Level         Level  `json:"level,omitempty"`
	Message       string `json:"message,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Func adapts a plain function to Notifier.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Notifier = Func(func(Event) {})

// Tee forwards every event to each notifier in order.
func Tee(ns ...Notifier) Notifier {
	return Func(func(e Event) {
		for _, n := range ns {
			if n != nil {
				n.Notify(e)
			}
		}
	})
}

// Recorder keeps every event; safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of one kind.
func (r *Recorder) Of(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
