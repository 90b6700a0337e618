// Package ledger coordinates approval lifecycle on top of the store,
// publishing bus events for every state change it makes.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/store"
)

// Ledger is the write path for approvals. All creation and resolution
// goes through here so that subscribers see a consistent event stream.
type Ledger struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(st store.Store, b *bus.Bus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, bus: b, logger: logger}
}

// Create records a new approval request. Any other live approval for the
// same session is timed out first; subscribers get an approvals.updated
// event for each superseded row and an approvals.created event for the
// new one. Re-submitting an already-known ID is a no-op and publishes
// nothing.
func (l *Ledger) Create(ctx context.Context, a *models.Approval) (*models.Approval, error) {
	stored, superseded, fresh, err := l.store.CreateApproval(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	if !fresh {
		return stored, nil
	}
	for _, id := range superseded {
		l.publish(bus.EventApprovalsUpdated, map[string]any{
			"approval_id": id,
			"session_id":  stored.SessionID,
			"outcome":     "timed_out",
		})
	}
	l.publish(bus.EventApprovalsCreated, map[string]any{
		"approval_id": stored.ID,
		"session_id":  stored.SessionID,
		"provider":    stored.Provider,
	})
	return stored, nil
}

// Decide resolves a live approval with allow or deny. Returns (nil, nil)
// when the approval was already resolved by someone else; callers treat
// that as losing the race, not as an error.
func (l *Ledger) Decide(ctx context.Context, id string, decision models.Decision, payload, actor string) (*models.Approval, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	a, err := l.store.DecideApproval(ctx, id, decision, payload, actor)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if a == nil {
		l.logger.Debug("approval already resolved", "approval_id", id)
		return nil, nil
	}
	l.publish(bus.EventApprovalsUpdated, map[string]any{
		"approval_id": a.ID,
		"session_id":  a.SessionID,
		"outcome":     string(a.Decision),
		"decided_by":  a.DecidedBy,
	})
	return a, nil
}

// TimeOut marks a live approval as expired. Same race semantics as Decide.
func (l *Ledger) TimeOut(ctx context.Context, id string) (*models.Approval, error) {
	a, err := l.store.TimeOutApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("time out approval: %w", err)
	}
	if a == nil {
		return nil, nil
	}
	l.publish(bus.EventApprovalsUpdated, map[string]any{
		"approval_id": a.ID,
		"session_id":  a.SessionID,
		"outcome":     "timed_out",
	})
	return a, nil
}

// PendingFor returns the live approval for a session, or nil when there
// is none.
func (l *Ledger) PendingFor(ctx context.Context, sessionID string) (*models.Approval, error) {
	a, err := l.store.PendingApproval(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pending approval: %w", err)
	}
	return a, nil
}

// Get looks up a single approval by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Approval, error) {
	return l.store.GetApproval(ctx, id)
}

// List returns approvals matching the filter.
func (l *Ledger) List(ctx context.Context, filter store.ApprovalListFilter) ([]*models.Approval, error) {
	return l.store.ListApprovals(ctx, filter)
}

func (l *Ledger) publish(eventType string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{Type: eventType, Payload: payload})
}
