// Package board maintains the shared live status file that tells every
// agent what its peers are working on. It is the cheapest way two agents
// avoid stomping on the same file.
package board

import (
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/jaakkos/pilot/internal/domain"
	"github.com/jaakkos/pilot/internal/fsutil"
)

// Publisher reads and writes the shared board file.
type Publisher struct {
	path   string
	logger *log.Logger
	now    func() time.Time
}

// NewPublisher returns a publisher backed by board.json under stateDir.
func NewPublisher(stateDir string, logger *log.Logger) *Publisher {
	return &Publisher{
		path:   filepath.Join(stateDir, "board.json"),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

func (p *Publisher) load() (map[string]domain.ProgressSnapshot, error) {
	board := map[string]domain.ProgressSnapshot{}
	if !fsutil.FileExists(p.path) {
		return board, nil
	}
	if err := fsutil.ReadJSON(p.path, &board); err != nil {
		return nil, err
	}
	return board, nil
}

// PublishProgress writes one agent's snapshot into the board.
func (p *Publisher) PublishProgress(sessionID string, snap domain.ProgressSnapshot) error {
	board, err := p.load()
	if err != nil {
		return err
	}
	snap.SessionID = sessionID
	if snap.Status == "" {
		snap.Status = domain.BoardWorking
	}
	snap.UpdatedAt = p.now()
	board[sessionID] = snap
	return fsutil.WriteJSON(p.path, board)
}

// RemoveAgent deletes an agent's entry, normally on session end.
func (p *Publisher) RemoveAgent(sessionID string) error {
	board, err := p.load()
	if err != nil {
		return err
	}
	if _, ok := board[sessionID]; !ok {
		return nil
	}
	delete(board, sessionID)
	return fsutil.WriteJSON(p.path, board)
}

// StatusBoard returns every entry, ordered by session id for stable output.
func (p *Publisher) StatusBoard() ([]domain.ProgressSnapshot, error) {
	board, err := p.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProgressSnapshot, 0, len(board))
	for _, snap := range board {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// AgentContext returns one agent's snapshot, or nil when absent.
func (p *Publisher) AgentContext(sessionID string) (*domain.ProgressSnapshot, error) {
	board, err := p.load()
	if err != nil {
		return nil, err
	}
	snap, ok := board[sessionID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// RelatedProgress returns snapshots of agents working the given task.
func (p *Publisher) RelatedProgress(taskID string) ([]domain.ProgressSnapshot, error) {
	board, err := p.load()
	if err != nil {
		return nil, err
	}
	var out []domain.ProgressSnapshot
	for _, snap := range board {
		if snap.TaskID == taskID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// AgentsOnFiles returns agents whose modified files overlap paths,
// excluding the asking session.
func (p *Publisher) AgentsOnFiles(paths []string, exclude string) ([]domain.ProgressSnapshot, error) {
	board, err := p.load()
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, f := range paths {
		want[filepath.Clean(f)] = true
	}
	var out []domain.ProgressSnapshot
	for sid, snap := range board {
		if sid == exclude {
			continue
		}
		for _, f := range snap.FilesModified {
			if want[filepath.Clean(f)] {
				out = append(out, snap)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// RelatedContext gathers what peers are doing around a set of files and a
// sender, for injection into an inbound message.
type RelatedContext struct {
	PeerDecisions []string                  `json:"peer_decisions,omitempty"`
	SenderTask    *domain.ProgressSnapshot  `json:"sender_task,omitempty"`
	OnSameFiles   []domain.ProgressSnapshot `json:"on_same_files,omitempty"`
	Topic         string                    `json:"topic,omitempty"`
}

// GetRelatedContext assembles the context relevant to a message about the
// given files, sent by from about topic.
func (p *Publisher) GetRelatedContext(files []string, from, topic string) (*RelatedContext, error) {
	rc := &RelatedContext{Topic: topic}
	sender, err := p.AgentContext(from)
	if err != nil {
		return nil, err
	}
	rc.SenderTask = sender
	if sender != nil {
		rc.PeerDecisions = append(rc.PeerDecisions, sender.KeyDecisions...)
	}
	if len(files) > 0 {
		onFiles, err := p.AgentsOnFiles(files, from)
		if err != nil {
			return nil, err
		}
		rc.OnSameFiles = onFiles
		for _, snap := range onFiles {
			rc.PeerDecisions = append(rc.PeerDecisions, snap.KeyDecisions...)
		}
	}
	return rc, nil
}

// InjectContext enriches each message's payload with a _context field
// describing what the sender and file-adjacent peers are doing. Failures
// leave the message untouched; delivery beats enrichment.
func (p *Publisher) InjectContext(sessionID string, msgs []domain.Message) []domain.Message {
	for i := range msgs {
		m := &msgs[i]
		files := payloadFiles(m.Payload)
		rc, err := p.GetRelatedContext(files, m.From, m.Topic)
		if err != nil {
			p.logger.Printf("Board: context for message %s: %v", m.ID, err)
			continue
		}
		// The reader already knows its own work; drop it from the overlap list.
		kept := rc.OnSameFiles[:0]
		for _, snap := range rc.OnSameFiles {
			if snap.SessionID != sessionID {
				kept = append(kept, snap)
			}
		}
		rc.OnSameFiles = kept
		if rc.SenderTask == nil && len(rc.OnSameFiles) == 0 {
			continue
		}
		if m.Payload == nil {
			m.Payload = map[string]any{}
		}
		m.Payload["_context"] = rc
	}
	return msgs
}

// payloadFiles pulls a files list out of a message payload when present.
func payloadFiles(payload map[string]any) []string {
	if payload == nil {
		return nil
	}
	raw, ok := payload["files"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
