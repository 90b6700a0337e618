package store

import (
	"context"
	"strings"
	"time"

	"github.com/codefleet/overseer/internal/models"
)

// IsNotFound reports whether err is a missing-row error from the store.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	HostID          string
	Statuses        []models.SessionStatus
	IncludeArchived bool
	Limit           int
}

// ApprovalListFilter specifies filters for listing approvals.
type ApprovalListFilter struct {
	SessionID string
	LiveOnly  bool
	Limit     int
}

// Store defines the persistence interface for overseer.
//
// Methods documented as returning (nil, nil) signal a benign miss: the row is
// no longer in the expected state (already decided, timed out, or absent).
// Callers must treat that as an expected race, not a failure.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, incoming *models.Session) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	IdleSession(ctx context.Context, id string, at time.Time) (*models.Session, error)
	UnidleSession(ctx context.Context, id string) (*models.Session, error)
	ArchiveSession(ctx context.Context, id string) error
	ArchiveStaleSessions(ctx context.Context, hostID string, lastSeenBefore time.Time) ([]string, error)
	SetSessionResponse(ctx context.Context, id, response string) error

	// Snapshots. UpsertSnapshot is content-addressed: an identical capture
	// hash for the session returns the stored row with created=false.
	UpsertSnapshot(ctx context.Context, sessionID, captureText string) (snap *models.SessionSnapshot, created bool, err error)
	LatestSnapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)

	// Approvals. CreateApproval atomically times out every other live
	// approval for the session before inserting; superseded holds their ids.
	// A duplicate approval id is a no-op returning the existing row with
	// created=false.
	CreateApproval(ctx context.Context, a *models.Approval) (approval *models.Approval, superseded []string, created bool, err error)
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	DecideApproval(ctx context.Context, id string, decision models.Decision, payload, actor string) (*models.Approval, error)
	TimeOutApproval(ctx context.Context, id string) (*models.Approval, error)
	PendingApproval(ctx context.Context, sessionID string) (*models.Approval, error)
	ListApprovals(ctx context.Context, filter ApprovalListFilter) ([]*models.Approval, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
