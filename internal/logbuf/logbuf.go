// Package logbuf keeps the most recent log lines in memory and serves them
// as JSON and as a live SSE tail.
package logbuf

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/consultcall/internal/util"
)

// Entry is one log line.
type Entry struct {
	TS        time.Time `json:"ts"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// Lines look like "2026/01/02 15:04:05 CALL [apt-1]: ringing", the prefix
// up to the first space, '[' or ':' after the timestamp is the subsystem.
var subsystemRe = regexp.MustCompile(`^(?:\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)? )?([A-Z][A-Z0-9_]+)(?: \[[^\]]*\])?:`)

// Buffer implements io.Writer for log.SetOutput and keeps the last N lines.
type Buffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[Entry]
	subs    map[chan Entry]struct{}
	partial bytes.Buffer
}

// New returns a buffer of max lines, 500 when max is not positive.
func New(max int) *Buffer {
	if max <= 0 {
		max = 500
	}
	return &Buffer{
		entries: util.NewRingBuffer[Entry](max),
		subs:    make(map[chan Entry]struct{}),
	}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := Entry{TS: time.Now(), Msg: line}
		if m := subsystemRe.FindStringSubmatch(line); m != nil {
			e.Subsystem = m[1]
		}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber
			}
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered entries, oldest first. A non-empty
// subsystem keeps only entries from that subsystem.
func (b *Buffer) Snapshot(subsystem string) []Entry {
	all := b.entries.Snapshot()
	if subsystem == "" {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if e.Subsystem == subsystem {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe streams new lines until cancel is called.
func (b *Buffer) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /logs.json?subsystem=RELAY
func (b *Buffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	util.WriteJSON(w, http.StatusOK, b.Snapshot(strings.ToUpper(r.URL.Query().Get("subsystem"))))
}

// GET /logs/stream, tail only.
func (b *Buffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := util.StartSSE(w)
	if !ok {
		return
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = util.WriteSSE(w, "message", e)
			flusher.Flush()
		}
	}
}
