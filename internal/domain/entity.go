// Package domain holds orchestration entities shared across the substrate.
// It has no dependencies on other packages.
package domain

import "time"

// Role is the capability class of an agent session.
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
	RoleTesting  Role = "testing"
	RoleSecurity Role = "security"
	RolePM       Role = "pm"
	RoleDesign   Role = "design"
	RoleReview   Role = "review"
	RoleInfra    Role = "infra"
)

// AllRoles lists every recognized role.
func AllRoles() []Role {
	return []Role{RoleFrontend, RoleBackend, RoleTesting, RoleSecurity, RolePM, RoleDesign, RoleReview, RoleInfra}
}

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleFrontend, RoleBackend, RoleTesting, RoleSecurity, RolePM, RoleDesign, RoleReview, RoleInfra:
		return true
	}
	return false
}

// Capabilities returns the task capabilities a role provides.
func (r Role) Capabilities() []string {
	switch r {
	case RoleFrontend:
		return []string{"ui", "components", "css", "frontend"}
	case RoleBackend:
		return []string{"api", "database", "services", "backend"}
	case RoleTesting:
		return []string{"tests", "qa", "coverage"}
	case RoleSecurity:
		return []string{"security", "audit", "auth"}
	case RolePM:
		return []string{"planning", "coordination", "review"}
	case RoleDesign:
		return []string{"design", "ux", "architecture"}
	case RoleReview:
		return []string{"review", "refactoring"}
	case RoleInfra:
		return []string{"infra", "ci", "deploy", "config"}
	}
	return nil
}

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is a registered instance of a running interactive assistant,
// anchored to the assistant's process via ParentPID.
type Session struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role,omitempty"`
	AgentName    string    `json:"agent_name,omitempty"`
	PID          int       `json:"pid"`
	ParentPID    int       `json:"parent_pid"`
	ClaimedTask  string    `json:"claimed_task,omitempty"`
	ClaimedAt    time.Time `json:"claimed_at,omitempty"`
	LeaseExpires time.Time `json:"lease_expires_at,omitempty"`
	LockedAreas  []string  `json:"locked_areas,omitempty"`
	LockedFiles  []string  `json:"locked_files,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	Heartbeat    time.Time `json:"heartbeat"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	// EndedAt is set exactly when Status flips to ended. A session with
	// Status active and EndedAt set is a zombie and must be repaired.
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// IsZombie reports the invariant violation "active but ended_at set".
func (s *Session) IsZombie() bool {
	return s.Status == SessionActive && s.EndedAt != nil
}

// HasValidLease reports whether the session holds a non-expired task lease.
func (s *Session) HasValidLease(now time.Time) bool {
	return s.ClaimedTask != "" && now.Before(s.LeaseExpires)
}

// Lockfile is the on-disk liveness anchor for a session.
type Lockfile struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Claim is exclusive, time-bounded ownership of a task by one session.
type Claim struct {
	TaskID         string    `json:"task_id"`
	SessionID      string    `json:"session_id"`
	ClaimedAt      time.Time `json:"claimed_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Expired reports whether the lease has lapsed; an expired claim releases
// the task implicitly.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.LeaseExpiresAt)
}

// AreaLock is advisory mutual exclusion over a symbolic code zone.
type AreaLock struct {
	Area      string    `json:"area"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	LockedAt  time.Time `json:"locked_at"`
}

// Priority orders message delivery within a reader's batch.
type Priority string

const (
	PriorityBlocking Priority = "blocking"
	PriorityNormal   Priority = "normal"
	PriorityFYI      Priority = "fyi"
)

// Rank returns the sort rank of a priority (lower delivers first).
func (p Priority) Rank() int {
	switch p {
	case PriorityBlocking:
		return 0
	case PriorityNormal:
		return 1
	case PriorityFYI:
		return 2
	}
	return 1
}

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	return p == PriorityBlocking || p == PriorityNormal || p == PriorityFYI
}

// MessageType classifies bus messages.
type MessageType string

const (
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeNotify      MessageType = "notify"
	TypeBroadcast   MessageType = "broadcast"
	TypeAck         MessageType = "ack"
	TypeNack        MessageType = "nack"
	TypeQuery       MessageType = "query"
	TypeBlockOnTask MessageType = "block_on_task"
)

// ValidMessageType reports whether t is a recognized message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotify, TypeBroadcast, TypeAck, TypeNack, TypeQuery, TypeBlockOnTask:
		return true
	}
	return false
}

// Broadcast is the wildcard recipient.
const Broadcast = "*"

// TopicTaskAssigned is the dispatcher's assignment notice to one agent.
// Idle agent loops claim the task it names ahead of their own tracker
// scan.
const TopicTaskAssigned = "task.assigned"

// AckContract describes the acknowledgment a sender expects.
type AckContract struct {
	Required        bool     `json:"required"`
	DeadlineMS      int64    `json:"deadline_ms,omitempty"`
	EscalationChain []string `json:"escalation_chain,omitempty"`
	CurrentLevel    int      `json:"current_level,omitempty"`
}

// Message is one record on the append-only bus.
type Message struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	TS            time.Time      `json:"ts"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"`
	ToRole        Role           `json:"to_role,omitempty"`
	ToAgent       string         `json:"to_agent,omitempty"`
	Type          MessageType    `json:"type"`
	Topic         string         `json:"topic"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Ack           *AckContract   `json:"ack,omitempty"`
	EscalateToPM  bool           `json:"escalate_to_pm,omitempty"`
}

// Targeted reports whether the message names any recipient.
func (m *Message) Targeted() bool {
	return m.To != "" || m.ToRole != "" || m.ToAgent != ""
}

// Cursor tracks a reader's position in the bus file.
type Cursor struct {
	SessionID    string    `json:"session_id"`
	LastSeq      int64     `json:"last_seq"`
	ByteOffset   int64     `json:"byte_offset"`
	ProcessedIDs []string  `json:"processed_ids,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PendingAck is an in-flight delivery awaiting acknowledgment.
type PendingAck struct {
	MessageID    string    `json:"message_id"`
	From         string    `json:"from"`
	To           string    `json:"to,omitempty"`
	ToRole       Role      `json:"to_role,omitempty"`
	DeadlineAt   time.Time `json:"deadline_at"`
	Retries      int       `json:"retries"`
	EscalateToPM bool      `json:"escalate_to_pm,omitempty"`
	TrackedAt    time.Time `json:"tracked_at"`
}

// DLQRecord is a message whose acknowledgment exhausted retries.
type DLQRecord struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	Original  *Message  `json:"original,omitempty"`
	MovedAt   time.Time `json:"moved_at"`
}

// CompletedStep records one finished plan step inside a checkpoint.
type CompletedStep struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Result      string `json:"result,omitempty"`
}

// Checkpoint is a durable snapshot of an agent's working state, sufficient
// for a cold resume.
type Checkpoint struct {
	SessionID      string          `json:"session_id"`
	Version        int             `json:"version"`
	TaskID         string          `json:"task_id,omitempty"`
	TaskTitle      string          `json:"task_title,omitempty"`
	PlanStep       int             `json:"plan_step"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps []CompletedStep `json:"completed_steps,omitempty"`
	KeyDecisions   []string        `json:"key_decisions,omitempty"`
	FilesModified  []string        `json:"files_modified,omitempty"`
	CurrentContext string          `json:"current_context,omitempty"`
	Findings       []string        `json:"important_findings,omitempty"`
	ToolCalls      int             `json:"tool_calls,omitempty"`
	OutputBytes    int64           `json:"output_bytes,omitempty"`
	SavedAt        time.Time       `json:"saved_at"`
}

// TaskCost aggregates spend for one task across contributing sessions.
type TaskCost struct {
	TaskID       string           `json:"task_id"`
	TotalBytes   int64            `json:"total_bytes"`
	TotalTokens  int64            `json:"total_tokens"`
	RespawnCount int              `json:"respawn_count"`
	Sessions     map[string]int64 `json:"sessions,omitempty"` // session id -> tokens
	UpdatedAt    time.Time        `json:"updated_at"`
}

// AgentCost aggregates spend for one session: lifetime plus today-so-far.
type AgentCost struct {
	SessionID   string    `json:"session_id"`
	TotalTokens int64     `json:"total_tokens"`
	TodayTokens int64     `json:"today_tokens"`
	Day         string    `json:"day"` // YYYY-MM-DD the today counter belongs to
	UpdatedAt   time.Time `json:"updated_at"`
}

// DailyCost is the rolling global total for one day.
type DailyCost struct {
	Day         string    `json:"day"`
	TotalTokens int64     `json:"total_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Agent board statuses.
const (
	BoardIdle    = "idle"
	BoardWorking = "working"
	BoardBlocked = "blocked"
)

// ProgressSnapshot is one session's entry on the shared status board.
type ProgressSnapshot struct {
	SessionID     string    `json:"session_id"`
	TaskID        string    `json:"task_id,omitempty"`
	TaskTitle     string    `json:"task_title,omitempty"`
	Step          int       `json:"step,omitempty"`
	TotalSteps    int       `json:"total_steps,omitempty"`
	Status        string    `json:"status"`
	FilesModified []string  `json:"files_modified,omitempty"`
	KeyDecisions  []string  `json:"key_decisions,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Task is a ticket from the issue tracker, as consumed by the scheduler
// and decomposition engine.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Subtask is one unit produced by the decomposition engine. Dependencies
// are indexes into the sibling slice.
type Subtask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Dependencies []int    `json:"dependencies,omitempty"`
}

// Event is one record in the append-only event log.
type Event struct {
	TS        time.Time      `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}
