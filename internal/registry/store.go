package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

// Store owns the session state files and lockfiles under the state dir.
// Layout: sessions/<id>.json, sessions/archive/<id>.json, locks/<id>.lock.
type Store struct {
	dir string
}

// NewStore creates a session store rooted at the state dir.
func NewStore(stateDir string) *Store {
	return &Store{dir: stateDir}
}

func (s *Store) sessionsDir() string { return filepath.Join(s.dir, "sessions") }
func (s *Store) archiveDir() string  { return filepath.Join(s.dir, "sessions", "archive") }
func (s *Store) locksDir() string    { return filepath.Join(s.dir, "locks") }

// SessionPath returns the state file path for a session id.
func (s *Store) SessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+".json")
}

// LockfilePath returns the lockfile path for a session id.
func (s *Store) LockfilePath(id string) string {
	return filepath.Join(s.locksDir(), id+".lock")
}

// Load reads one session, or nil if it does not exist.
func (s *Store) Load(id string) (*domain.Session, error) {
	var sess domain.Session
	if err := fsutil.ReadJSON(s.SessionPath(id), &sess); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// Save writes a session state file atomically.
func (s *Store) Save(sess *domain.Session) error {
	return fsutil.WriteJSON(s.SessionPath(sess.ID), sess)
}

// List returns all non-archived sessions, newest heartbeat first.
func (s *Store) List() ([]*domain.Session, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*domain.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := s.Load(id)
		if err != nil || sess == nil {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Heartbeat.After(out[j].Heartbeat) })
	return out, nil
}

// Archive moves a session state file into the archive subdirectory.
func (s *Store) Archive(id string) error {
	if err := os.MkdirAll(s.archiveDir(), 0o755); err != nil {
		return err
	}
	return os.Rename(s.SessionPath(id), filepath.Join(s.archiveDir(), id+".json"))
}

// WriteLockfile creates or replaces the session's lockfile.
func (s *Store) WriteLockfile(lf *domain.Lockfile) error {
	return fsutil.WriteJSON(s.LockfilePath(lf.SessionID), lf)
}

// ReadLockfile reads a session's lockfile, or nil if absent.
func (s *Store) ReadLockfile(id string) (*domain.Lockfile, error) {
	var lf domain.Lockfile
	if err := fsutil.ReadJSON(s.LockfilePath(id), &lf); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &lf, nil
}

// RemoveLockfile deletes a session's lockfile if present.
func (s *Store) RemoveLockfile(id string) error {
	err := os.Remove(s.LockfilePath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NewSessionID mints an id of the form S-<base36-ts>-<4hex>.
func NewSessionID(now time.Time) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("S-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), hex.EncodeToString(b[:]))
}
