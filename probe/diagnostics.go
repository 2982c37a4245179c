package probe

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// LogEntry is one timestamped diagnostics line.
type LogEntry struct {
	Time    time.Time
	Message string
}

// Diagnostics is the append-only, in-memory event log owned by a single
// Verifier. It is cleared at the start of each Run and mutated only by
// the owning verifier, never shared across goroutines.
type Diagnostics struct {
	mu      sync.Mutex
	entries []LogEntry
	debug   bool
}

// NewDiagnostics creates an empty log. When debug is set, every entry is
// also mirrored to the standard logger.
func NewDiagnostics(debug bool) *Diagnostics {
	return &Diagnostics{debug: debug}
}

// Logf appends a formatted entry.
func (d *Diagnostics) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	d.entries = append(d.entries, LogEntry{Time: time.Now(), Message: msg})
	d.mu.Unlock()
	if d.debug {
		log.Print(msg)
	}
}

// Reset clears the log, called at the start of each Run.
func (d *Diagnostics) Reset() {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()
}

// Entries returns a snapshot of the log formatted as
// "[RFC3339Nano] message" strings.
func (d *Diagnostics) Entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = fmt.Sprintf("[%s] %s", e.Time.Format(time.RFC3339Nano), e.Message)
	}
	return out
}
