// Package memory is the durable agent memory: error patterns with known
// resolutions per role, and per-role task outcomes that feed scheduler
// affinity. It lives in its own SQLite database so the JSONL control plane
// stays the single source of truth for live coordination state.
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/pilot/internal/domain"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS error_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	pattern TEXT NOT NULL,
	resolution TEXT,
	hits INTEGER NOT NULL DEFAULT 1,
	last_seen TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_patterns_role ON error_patterns(role, pattern);

CREATE TABLE IF NOT EXISTS task_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	area TEXT,
	success INTEGER NOT NULL,
	detail TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_role ON task_outcomes(role, area, recorded_at);
`

// ErrorPattern is a remembered failure signature for a role.
type ErrorPattern struct {
	ID         int64     `json:"id"`
	Role       string    `json:"role"`
	Pattern    string    `json:"pattern"`
	Resolution string    `json:"resolution,omitempty"`
	Hits       int       `json:"hits"`
	LastSeen   time.Time `json:"last_seen"`
}

// TaskOutcome is one finished (or failed) assignment.
type TaskOutcome struct {
	Role       string    `json:"role"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	Area       string    `json:"area,omitempty"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store wraps the agent memory database.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

// Open opens (or creates) the memory database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(memorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{db: db, path: dbPath, now: time.Now}, nil
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// RecordError stores or reinforces an error pattern for a role. A repeat
// of a known pattern bumps its hit count and, when a resolution is given,
// records it.
func (s *Store) RecordError(role domain.Role, pattern, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE error_patterns SET hits = hits + 1, last_seen = ?,
			resolution = CASE WHEN ? != '' THEN ? ELSE resolution END
		WHERE role = ? AND pattern = ?
	`, now, resolution, resolution, string(role), pattern)
	if err != nil {
		return fmt.Errorf("update error pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO error_patterns (role, pattern, resolution, hits, last_seen, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, string(role), pattern, resolution, now, now)
	if err != nil {
		return fmt.Errorf("insert error pattern: %w", err)
	}
	return nil
}

// LookupError returns the remembered pattern for a role, or nil when the
// pattern is unknown.
func (s *Store) LookupError(role domain.Role, pattern string) (*ErrorPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ep ErrorPattern
	var lastSeen string
	err := s.db.QueryRow(`
		SELECT id, role, pattern, COALESCE(resolution, ''), hits, last_seen
		FROM error_patterns WHERE role = ? AND pattern = ?
	`, string(role), pattern).Scan(&ep.ID, &ep.Role, &ep.Pattern, &ep.Resolution, &ep.Hits, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup error pattern: %w", err)
	}
	ep.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return &ep, nil
}

// RecentErrors returns the most recently seen patterns for a role.
func (s *Store) RecentErrors(role domain.Role, limit int) ([]ErrorPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, role, pattern, COALESCE(resolution, ''), hits, last_seen
		FROM error_patterns WHERE role = ? ORDER BY last_seen DESC LIMIT ?
	`, string(role), limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorPattern
	for rows.Next() {
		var ep ErrorPattern
		var lastSeen string
		if err := rows.Scan(&ep.ID, &ep.Role, &ep.Pattern, &ep.Resolution, &ep.Hits, &lastSeen); err != nil {
			return nil, err
		}
		ep.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		out = append(out, ep)
	}
	return out, rows.Err()
}

// RecordOutcome stores one finished assignment.
func (s *Store) RecordOutcome(o TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := 0
	if o.Success {
		success = 1
	}
	recorded := o.RecordedAt
	if recorded.IsZero() {
		recorded = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO task_outcomes (role, session_id, task_id, area, success, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.Role, o.SessionID, o.TaskID, o.Area, success, o.Detail,
		recorded.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert task outcome: %w", err)
	}
	return nil
}

// SuccessRate returns the fraction of successful outcomes for a role in an
// area over the given window. It returns 0.5 when no history exists, so a
// new pairing is neither favored nor penalized.
func (s *Store) SuccessRate(role domain.Role, area string, window time.Duration) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := s.now().Add(-window).UTC().Format(time.RFC3339)
	var total, ok int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM task_outcomes
		WHERE role = ? AND (? = '' OR area = ?) AND recorded_at >= ?
	`, string(role), area, area, since).Scan(&total, &ok)
	if err != nil {
		return 0, fmt.Errorf("success rate: %w", err)
	}
	if total == 0 {
		return 0.5, nil
	}
	return float64(ok) / float64(total), nil
}
