// Package registry ingests host reports and manages session lifecycle,
// publishing bus events whenever observable session state changes.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/store"
)

// Registry is the write path for sessions and snapshots.
type Registry struct {
	store  store.Store
	ledger *ledger.Ledger
	bus    *bus.Bus
	logger *slog.Logger
}

func New(st store.Store, l *ledger.Ledger, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, ledger: l, bus: b, logger: logger}
}

// IngestResult summarizes what a host report changed.
type IngestResult struct {
	Sessions  int `json:"sessions"`
	Snapshots int `json:"snapshots"`
	Approvals int `json:"approvals"`
}

// Ingest applies a host report: upserts every session, stores new terminal
// captures, and records approval requests through the ledger. Events are
// published only for state that actually changed, so a repeated identical
// report is quiet on the bus.
func (r *Registry) Ingest(ctx context.Context, report *models.HostReport) (*IngestResult, error) {
	if report.HostID == "" {
		return nil, fmt.Errorf("host report missing host_id")
	}
	res := &IngestResult{}
	for i := range report.Sessions {
		rs := &report.Sessions[i]
		rs.Session.HostID = report.HostID
		if rs.Session.ID == "" {
			return nil, fmt.Errorf("host report session %d missing id", i)
		}
		if !rs.Session.Status.Valid() {
			return nil, fmt.Errorf("session %s: invalid status %q", rs.Session.ID, rs.Session.Status)
		}

		changed, err := r.upsertSession(ctx, &rs.Session)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Sessions++
		}

		if rs.Capture != "" {
			snap, created, err := r.store.UpsertSnapshot(ctx, rs.Session.ID, rs.Capture)
			if err != nil {
				return nil, fmt.Errorf("upsert snapshot for %s: %w", rs.Session.ID, err)
			}
			if created {
				res.Snapshots++
				r.publish(bus.EventSnapshotsUpdated, map[string]any{
					"session_id":   snap.SessionID,
					"capture_hash": snap.CaptureHash,
				})
			}
		}

		if rs.Approval != nil {
			rs.Approval.SessionID = rs.Session.ID
			if rs.Approval.Provider == "" {
				rs.Approval.Provider = rs.Session.Provider
			}
			if _, err := r.ledger.Create(ctx, rs.Approval); err != nil {
				return nil, fmt.Errorf("session %s: %w", rs.Session.ID, err)
			}
			res.Approvals++
		}
	}
	return res, nil
}

func (r *Registry) upsertSession(ctx context.Context, incoming *models.Session) (bool, error) {
	prev, err := r.store.GetSession(ctx, incoming.ID)
	if err != nil && !store.IsNotFound(err) {
		return false, fmt.Errorf("get session %s: %w", incoming.ID, err)
	}

	cur, err := r.store.UpsertSession(ctx, incoming)
	if err != nil {
		return false, fmt.Errorf("upsert session %s: %w", incoming.ID, err)
	}

	if !sessionChanged(prev, cur) {
		return false, nil
	}
	r.publish(bus.EventSessionsChanged, map[string]any{
		"session_id": cur.ID,
		"host_id":    cur.HostID,
		"status":     string(cur.Status),
	})
	return true, nil
}

// sessionChanged compares the fields a subscriber can observe. LastSeenAt
// and UpdatedAt move on every report and are deliberately ignored here.
func sessionChanged(prev, cur *models.Session) bool {
	if prev == nil || cur == nil {
		return true
	}
	return prev.Status != cur.Status ||
		prev.Title != cur.Title ||
		prev.Provider != cur.Provider ||
		prev.CWD != cur.CWD ||
		prev.GitBranch != cur.GitBranch ||
		prev.LastResponse != cur.LastResponse ||
		prev.Archived() != cur.Archived()
}

// Idle silences a session until new non-identical activity arrives.
func (r *Registry) Idle(ctx context.Context, id string) (*models.Session, error) {
	s, err := r.store.IdleSession(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("idle session: %w", err)
	}
	r.publish(bus.EventSessionsChanged, map[string]any{
		"session_id": s.ID,
		"host_id":    s.HostID,
		"status":     string(s.Status),
		"idled":      true,
	})
	return s, nil
}

// Unidle clears an idle mark so the session surfaces again.
func (r *Registry) Unidle(ctx context.Context, id string) (*models.Session, error) {
	s, err := r.store.UnidleSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("unidle session: %w", err)
	}
	r.publish(bus.EventSessionsChanged, map[string]any{
		"session_id": s.ID,
		"host_id":    s.HostID,
		"status":     string(s.Status),
		"idled":      false,
	})
	return s, nil
}

// Archive soft-deletes a session. Archived sessions never resurface: host
// reports for them are dropped by the store.
func (r *Registry) Archive(ctx context.Context, id string) error {
	if err := r.store.ArchiveSession(ctx, id); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	r.publish(bus.EventSessionsChanged, map[string]any{
		"session_id": id,
		"archived":   true,
	})
	return nil
}

// SweepStale archives every session on the host not seen since the cutoff.
func (r *Registry) SweepStale(ctx context.Context, hostID string, lastSeenBefore time.Time) ([]string, error) {
	ids, err := r.store.ArchiveStaleSessions(ctx, hostID, lastSeenBefore)
	if err != nil {
		return nil, fmt.Errorf("sweep stale sessions: %w", err)
	}
	for _, id := range ids {
		r.publish(bus.EventSessionsChanged, map[string]any{
			"session_id": id,
			"host_id":    hostID,
			"archived":   true,
		})
	}
	if len(ids) > 0 {
		r.logger.Info("archived stale sessions", "host_id", hostID, "count", len(ids))
	}
	return ids, nil
}

// RecordResponse stores the text forwarded to the session terminal so the
// session row reflects the operator's last answer.
func (r *Registry) RecordResponse(ctx context.Context, id, response string) error {
	if err := r.store.SetSessionResponse(ctx, id, response); err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	r.publish(bus.EventSessionsChanged, map[string]any{
		"session_id": id,
	})
	return nil
}

// Get looks up a single session by ID.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

// List returns sessions matching the filter.
func (r *Registry) List(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	return r.store.ListSessions(ctx, filter)
}

// LatestSnapshot returns the newest retained capture for a session, or
// (nil, nil) when none exists.
func (r *Registry) LatestSnapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	return r.store.LatestSnapshot(ctx, sessionID)
}

func (r *Registry) publish(eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Type: eventType, Payload: payload})
}
