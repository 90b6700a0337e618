package models

import "time"

// Decision is the operator's answer to an approval request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Valid reports whether the decision is one of the wire-visible values.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Approval is a structured yes/no/choice/text request raised by an agent.
//
// An approval is "live" while it has neither a decision nor a timeout. The
// store guarantees at most one live approval per session: creating a new one
// times out every other live approval for that session first.
type Approval struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	Provider         string     `json:"provider,omitempty"`
	RequestedPayload string     `json:"requested_payload"`
	Decision         Decision   `json:"decision,omitempty"`
	DecidedPayload   string     `json:"decided_payload,omitempty"`
	DecidedBy        string     `json:"decided_by,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	TimedOutAt       *time.Time `json:"timed_out_at,omitempty"`
}

// Live reports whether the approval can still accept a decision.
func (a *Approval) Live() bool {
	return a.Decision == "" && a.TimedOutAt == nil
}
