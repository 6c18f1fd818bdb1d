// Package eventlog appends lifecycle events to a daily JSONL file for
// observability. Writes are best-effort: a failed append is logged and
// dropped, never surfaced to the calling operation.
package eventlog

import (
	"log"
	"path/filepath"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

// Log writes lifecycle events under <dir>/events-YYYY-MM-DD.jsonl.
type Log struct {
	dir    string
	logger *log.Logger
	now    func() time.Time
}

// New creates an event log rooted at dir.
func New(dir string, logger *log.Logger) *Log {
	return &Log{dir: dir, logger: logger, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Path returns the log file for the given day.
func (l *Log) Path(day time.Time) string {
	return filepath.Join(l.dir, "events-"+day.Format("2006-01-02")+".jsonl")
}

// Emit appends one event record.
func (l *Log) Emit(eventType, sessionID string, fields map[string]any) {
	now := l.now()
	ev := domain.Event{TS: now, Type: eventType, SessionID: sessionID, Fields: fields}
	if err := fsutil.AppendLine(l.Path(now), ev); err != nil {
		if l.logger != nil {
			l.logger.Printf("EventLog: append %s failed: %v", eventType, err)
		}
	}
}

// Read returns all events for the given day.
func (l *Log) Read(day time.Time) ([]domain.Event, error) {
	return fsutil.ReadLines[domain.Event](l.Path(day))
}
