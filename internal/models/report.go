package models

import "time"

// HostReport is one batched state push from a host agent. A report is
// idempotent: re-sending the same report converges on the same state.
type HostReport struct {
	HostID   string            `json:"host_id"`
	SentAt   time.Time         `json:"sent_at"`
	Sessions []ReportedSession `json:"sessions"`
}

// ReportedSession carries one session's state plus its optional terminal
// capture and optional structured approval request.
type ReportedSession struct {
	Session  Session   `json:"session"`
	Capture  string    `json:"capture,omitempty"`
	Approval *Approval `json:"approval,omitempty"`
}
