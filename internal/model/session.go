package model

import (
	"fmt"
	"strings"
	"time"
)

// ─── Session status enum ─────────────────────────────────────────────────────

// SessionStatus tracks the lifecycle of a session. Sessions move from
// active to exactly one terminal state: ended (explicit) or stale
// (demoted during canonicalization). No transition leaves a terminal
// state.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
	SessionStale  SessionStatus = "stale"
)

// validSessionStatuses is the set of allowed session statuses.
var validSessionStatuses = map[SessionStatus]bool{
	SessionActive: true,
	SessionEnded:  true,
	SessionStale:  true,
}

// ValidateSessionStatus returns an error if the status is not recognized.
func ValidateSessionStatus(s SessionStatus) error {
	if !validSessionStatuses[s] {
		return fmt.Errorf("invalid session status %q: must be one of: active, ended, stale", s)
	}
	return nil
}

// ─── ActivityEntry ───────────────────────────────────────────────────────────

// ActivityEntry is one observed action inside a session. The session's
// activity log is append-only; entry order is the single source of truth
// for the recent-activity windows drift detection reads.
type ActivityEntry struct {
	ID         string    `json:"id,omitempty"` // optional, for idempotent de-duplication
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool"`
	Summary    string    `json:"summary,omitempty"`
	Success    bool      `json:"success"`
	FeatureID  string    `json:"feature_id,omitempty"` // node this activity was attributed to
	DriftScore *float64  `json:"drift_score,omitempty"`
	Payload    string    `json:"payload,omitempty"`
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is a bounded, append-only log of activity performed by one
// agent. A session represents a whole working-process lifetime, not a
// time window; idle gaps do not fragment it.
type Session struct {
	ID            string          `json:"id"`
	Title         string          `json:"title,omitempty"`
	Agent         string          `json:"agent"`
	Status        SessionStatus   `json:"status"`
	IsSubagent    bool            `json:"is_subagent,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	LastActivity  time.Time       `json:"last_activity"`
	StartCommit   string          `json:"start_commit,omitempty"` // session identity marker, not correctness
	EventCount    int             `json:"event_count"`
	WorkedOn      []string        `json:"worked_on,omitempty"` // ordered set of node ids touched
	ContinuedFrom string          `json:"continued_from,omitempty"`
	ActivityLog   []ActivityEntry `json:"activity_log,omitempty"`
}

// NewSession constructs an active session for the given agent.
func NewSession(agent, startCommit, title string) (*Session, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, &ValidationError{Field: "agent", Reason: "must not be empty"}
	}
	now := Now()
	return &Session{
		ID:           NewID(),
		Title:        title,
		Agent:        agent,
		Status:       SessionActive,
		StartedAt:    now,
		LastActivity: now,
		StartCommit:  startCommit,
	}, nil
}

// IsTerminal reports whether the session has reached ended or stale.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionEnded || s.Status == SessionStale
}

// Append records one activity entry, grows the worked_on set, and bumps
// the event count and last-activity timestamp. Entries with an id that
// already appears in the log are dropped (idempotent re-delivery).
// Returns the stored entry and whether it was newly appended.
func (s *Session) Append(e ActivityEntry) (ActivityEntry, bool) {
	if e.ID != "" {
		for i := range s.ActivityLog {
			if s.ActivityLog[i].ID == e.ID {
				return s.ActivityLog[i], false
			}
		}
	}
	s.ActivityLog = append(s.ActivityLog, e)
	s.EventCount++
	s.LastActivity = e.Timestamp
	if e.FeatureID != "" {
		s.addWorkedOn(e.FeatureID)
	}
	return e, true
}

func (s *Session) addWorkedOn(id string) {
	for _, w := range s.WorkedOn {
		if w == id {
			return
		}
	}
	s.WorkedOn = append(s.WorkedOn, id)
}

// RecentActivity returns up to limit entries from the tail of the log,
// oldest first. A limit <= 0 returns the whole log.
func (s *Session) RecentActivity(limit int) []ActivityEntry {
	if limit <= 0 || limit >= len(s.ActivityLog) {
		return s.ActivityLog
	}
	return s.ActivityLog[len(s.ActivityLog)-limit:]
}

// Summary returns a one-line human-readable description of the session.
func (s *Session) Summary() string {
	return fmt.Sprintf("%s [%s] agent=%s events=%d worked_on=%d", s.ID, s.Status, s.Agent, s.EventCount, len(s.WorkedOn))
}
