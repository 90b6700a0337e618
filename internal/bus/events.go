package bus

// Wire-visible event types published on the bus.
const (
	EventSessionsChanged  = "sessions.changed"
	EventSnapshotsUpdated = "snapshots.updated"
	EventApprovalsCreated = "approvals.created"
	EventApprovalsUpdated = "approvals.updated"
)
