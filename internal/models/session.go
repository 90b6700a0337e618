package models

import "time"

// SessionStatus is the host-reported state of a supervised agent session.
type SessionStatus string

const (
	SessionStatusStarting           SessionStatus = "STARTING"
	SessionStatusRunning            SessionStatus = "RUNNING"
	SessionStatusWaitingForInput    SessionStatus = "WAITING_FOR_INPUT"
	SessionStatusWaitingForApproval SessionStatus = "WAITING_FOR_APPROVAL"
	SessionStatusError              SessionStatus = "ERROR"
	SessionStatusIdle               SessionStatus = "IDLE"
	SessionStatusDone               SessionStatus = "DONE"
)

// NeedsAttention reports whether a session in this status is eligible to
// surface an attention item when no structured approval exists.
func (s SessionStatus) NeedsAttention() bool {
	switch s {
	case SessionStatusWaitingForInput, SessionStatusWaitingForApproval, SessionStatusError:
		return true
	}
	return false
}

// Valid reports whether the status is one of the wire-visible values.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusStarting, SessionStatusRunning, SessionStatusWaitingForInput,
		SessionStatusWaitingForApproval, SessionStatusError, SessionStatusIdle, SessionStatusDone:
		return true
	}
	return false
}

// Session is one supervised agent run reported by a host.
type Session struct {
	ID           string        `json:"id"`
	HostID       string        `json:"host_id"`
	Provider     string        `json:"provider,omitempty"`
	Title        string        `json:"title,omitempty"`
	CWD          string        `json:"cwd,omitempty"`
	GitBranch    string        `json:"git_branch,omitempty"`
	Status       SessionStatus `json:"status"`
	LastResponse string        `json:"last_response,omitempty"`
	IdledAt      *time.Time    `json:"idled_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	LastSeenAt   time.Time     `json:"last_seen_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Idled reports whether the operator has explicitly silenced the session.
func (s *Session) Idled() bool { return s.IdledAt != nil }

// Archived reports whether the session has been soft-deleted.
func (s *Session) Archived() bool { return s.ArchivedAt != nil }
