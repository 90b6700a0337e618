// Package reconcile merges session state, live approvals, and classified
// terminal output into at most one attention item per session.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/detect"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/store"
)

// Source says which side of the system produced an attention item.
type Source string

const (
	SourceSession  Source = "session"
	SourceApproval Source = "approval"
)

// AttentionItem is one operator-facing row: a session that needs a human
// decision right now, with the classified or structured action to show.
type AttentionItem struct {
	SessionID  string         `json:"session_id"`
	HostID     string         `json:"host_id"`
	Title      string         `json:"title,omitempty"`
	Source     Source         `json:"source"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Action     *detect.Action `json:"action"`
	IdledAt    *time.Time     `json:"idled_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Delta is the observable result of ingesting one event: items that were
// created or changed, and session ids whose item went away.
type Delta struct {
	Upserts []*AttentionItem
	Removed []string
}

func (d *Delta) Empty() bool { return len(d.Upserts) == 0 && len(d.Removed) == 0 }

// Reader is the subset of store reads the reconciler depends on.
type Reader interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error)
	PendingApproval(ctx context.Context, sessionID string) (*models.Approval, error)
	LatestSnapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)
}

// Decider resolves approval-sourced items. Satisfied by ledger.Ledger.
type Decider interface {
	Decide(ctx context.Context, id string, decision models.Decision, payload, actor string) (*models.Approval, error)
}

// Reconciler ingests change events and maintains the attention item set.
// All state lives behind one mutex; the heavy work (classification) is a
// pure function and runs outside any shared state.
type Reconciler struct {
	reader  Reader
	decider Decider
	logger  *slog.Logger

	mu        sync.Mutex
	items     map[string]*AttentionItem // keyed by session id
	lastHash  map[string]string         // last capture hash classified per session
	dismissed map[string]string         // session id -> key that was dismissed
}

func New(reader Reader, decider Decider, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		reader:    reader,
		decider:   decider,
		logger:    logger,
		items:     make(map[string]*AttentionItem),
		lastHash:  make(map[string]string),
		dismissed: make(map[string]string),
	}
}

// Seed rebuilds the full item set from the store. Called before
// subscribing so that a late or reconnecting consumer starts from the
// complete current state instead of a stream position.
func (r *Reconciler) Seed(ctx context.Context) (*Delta, error) {
	sessions, err := r.reader.ListSessions(ctx, store.SessionListFilter{})
	if err != nil {
		return nil, fmt.Errorf("seed sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	delta := &Delta{}
	for _, s := range sessions {
		seen[s.ID] = true
		r.refreshLocked(ctx, s.ID, delta)
	}
	for id := range r.items {
		if !seen[id] {
			r.dropLocked(id, delta)
		}
	}
	return delta, nil
}

// Ingest applies one bus event and returns what changed in the item set.
// Unknown event types and events without a session id are ignored.
func (r *Reconciler) Ingest(ctx context.Context, ev bus.Event) (*Delta, error) {
	sessionID, _ := ev.Payload["session_id"].(string)
	if sessionID == "" {
		return &Delta{}, nil
	}

	switch ev.Type {
	case bus.EventSessionsChanged, bus.EventSnapshotsUpdated,
		bus.EventApprovalsCreated, bus.EventApprovalsUpdated:
	default:
		return &Delta{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delta := &Delta{}
	r.refreshLocked(ctx, sessionID, delta)
	return delta, nil
}

// refreshLocked recomputes the item for one session from the store and
// records the difference in delta. Caller holds r.mu.
func (r *Reconciler) refreshLocked(ctx context.Context, sessionID string, delta *Delta) {
	s, err := r.reader.GetSession(ctx, sessionID)
	if err != nil {
		if !store.IsNotFound(err) {
			r.logger.Warn("refresh session", "session_id", sessionID, "error", err)
			return
		}
		r.dropLocked(sessionID, delta)
		return
	}
	if s.Archived() || s.Status == models.SessionStatusDone {
		r.dropLocked(sessionID, delta)
		return
	}

	pending, err := r.reader.PendingApproval(ctx, sessionID)
	if err != nil {
		r.logger.Warn("refresh pending approval", "session_id", sessionID, "error", err)
		return
	}

	var item *AttentionItem
	switch {
	case pending != nil:
		item = r.approvalItem(s, pending)
	case s.Status.NeedsAttention():
		item = r.detectedItem(ctx, s)
	}

	if item == nil {
		r.dropLocked(sessionID, delta)
		return
	}
	if r.dismissed[sessionID] == itemKey(item) {
		r.dropLocked(sessionID, delta)
		return
	}
	delete(r.dismissed, sessionID)

	prev := r.items[sessionID]
	if prev != nil && sameItem(prev, item) {
		// keep the existing timestamp so a quiet session does not churn
		prev.IdledAt = item.IdledAt
		return
	}
	item.UpdatedAt = time.Now().UTC()
	r.items[sessionID] = item
	delta.Upserts = append(delta.Upserts, item)
}

func (r *Reconciler) dropLocked(sessionID string, delta *Delta) {
	if _, ok := r.items[sessionID]; !ok {
		return
	}
	delete(r.items, sessionID)
	delta.Removed = append(delta.Removed, sessionID)
}

// approvalItem builds a structured item from a live approval. The payload
// is inspected only for shape hints, never classified semantically.
func (r *Reconciler) approvalItem(s *models.Session, a *models.Approval) *AttentionItem {
	return &AttentionItem{
		SessionID:  s.ID,
		HostID:     s.HostID,
		Title:      s.Title,
		Source:     SourceApproval,
		ApprovalID: a.ID,
		Action:     actionFromPayload(a.RequestedPayload),
		IdledAt:    s.IdledAt,
	}
}

// detectedItem classifies the latest snapshot. A capture hash seen before
// for this session keeps the existing item rather than raising a new one.
func (r *Reconciler) detectedItem(ctx context.Context, s *models.Session) *AttentionItem {
	snap, err := r.reader.LatestSnapshot(ctx, s.ID)
	if err != nil {
		r.logger.Warn("latest snapshot", "session_id", s.ID, "error", err)
		return nil
	}
	if snap == nil {
		return nil
	}

	if snap.CaptureHash == r.lastHash[s.ID] {
		if prev, ok := r.items[s.ID]; ok && prev.Source == SourceSession {
			clone := *prev
			clone.IdledAt = s.IdledAt
			return &clone
		}
		return nil
	}

	action := detect.Classify(snap.CaptureText)
	r.lastHash[s.ID] = snap.CaptureHash
	if action == nil {
		return nil
	}
	return &AttentionItem{
		SessionID: s.ID,
		HostID:    s.HostID,
		Title:     s.Title,
		Source:    SourceSession,
		Action:    action,
		IdledAt:   s.IdledAt,
	}
}

// approvalPayload is the loosely-structured body hosts put in
// requested_payload. Anything unparseable falls back to a plain yes/no.
type approvalPayload struct {
	Type     string `json:"type"`
	Question string `json:"question"`
	Plan     string `json:"plan"`
	Options  []struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	} `json:"options"`
}

func actionFromPayload(raw string) *detect.Action {
	var p approvalPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return &detect.Action{
			Type:       detect.ActionYesNo,
			Question:   strings.TrimSpace(raw),
			Confidence: 1.0,
		}
	}

	action := &detect.Action{
		Type:       detect.ActionType(p.Type),
		Question:   p.Question,
		Confidence: 1.0,
		Context:    p.Plan,
	}
	for _, o := range p.Options {
		action.Options = append(action.Options, detect.Option{Key: o.Key, Label: o.Label})
	}

	switch action.Type {
	case detect.ActionMultiChoice, detect.ActionYesNo, detect.ActionTextInput,
		detect.ActionPlanReview, detect.ActionError, detect.ActionNeedsAttention:
	default:
		switch {
		case p.Plan != "" || strings.Contains(strings.ToLower(p.Question), "plan"):
			action.Type = detect.ActionPlanReview
		case len(action.Options) > 0:
			action.Type = detect.ActionMultiChoice
		default:
			action.Type = detect.ActionYesNo
		}
	}
	return action
}

// itemKey identifies what an item is about, so a dismissal sticks until
// genuinely new activity arrives for the session.
func itemKey(item *AttentionItem) string {
	if item.Source == SourceApproval {
		return "approval:" + item.ApprovalID
	}
	if item.Action != nil {
		return "session:" + string(item.Action.Type) + ":" + item.Action.Question
	}
	return "session:"
}

func sameItem(a, b *AttentionItem) bool {
	return a.Source == b.Source && a.ApprovalID == b.ApprovalID && itemKey(a) == itemKey(b)
}

// Items returns the active attention list, oldest first. Idled sessions
// are excluded here and surfaced by IdledItems instead.
func (r *Reconciler) Items() []*AttentionItem {
	return r.partition(false)
}

// IdledItems returns attention items for sessions the operator idled.
func (r *Reconciler) IdledItems() []*AttentionItem {
	return r.partition(true)
}

func (r *Reconciler) partition(idled bool) []*AttentionItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AttentionItem, 0, len(r.items))
	for _, item := range r.items {
		if (item.IdledAt != nil) != idled {
			continue
		}
		clone := *item
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Item returns the current attention item for a session, or nil.
func (r *Reconciler) Item(sessionID string) *AttentionItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[sessionID]
	if !ok {
		return nil
	}
	clone := *item
	return &clone
}

// Dismiss hides the session's current item without resolving anything.
// The dismissal lifts as soon as different activity arrives.
func (r *Reconciler) Dismiss(sessionID string) *Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta := &Delta{}
	item, ok := r.items[sessionID]
	if !ok {
		return delta
	}
	r.dismissed[sessionID] = itemKey(item)
	r.dropLocked(sessionID, delta)
	return delta
}

// Resolve answers the session's item with the operator's choice. For an
// approval-sourced item the decision is delegated to the ledger; either
// way the item is removed and the text to forward to the session terminal
// is returned.
func (r *Reconciler) Resolve(ctx context.Context, sessionID, choice, actor string) (string, *Delta, error) {
	r.mu.Lock()
	item, ok := r.items[sessionID]
	var clone AttentionItem
	if ok {
		clone = *item
	}
	r.mu.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("no attention item for session %s", sessionID)
	}

	response := detect.BuildResponse(clone.Action, choice)

	if clone.Source == SourceApproval {
		decision := models.DecisionDeny
		if response == "y" || strings.EqualFold(choice, string(models.DecisionAllow)) {
			decision = models.DecisionAllow
		}
		decided, err := r.decider.Decide(ctx, clone.ApprovalID, decision, choice, actor)
		if err != nil {
			return "", nil, err
		}
		if decided == nil {
			r.logger.Debug("approval resolved elsewhere", "approval_id", clone.ApprovalID)
		}
	}

	r.mu.Lock()
	delta := &Delta{}
	r.dropLocked(sessionID, delta)
	r.mu.Unlock()
	return response, delta, nil
}
