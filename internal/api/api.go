package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/reconcile"
	"github.com/codefleet/overseer/internal/registry"
	"github.com/codefleet/overseer/internal/store"
)

// Server provides the REST and SSE API handlers.
type Server struct {
	registry   *registry.Registry
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
	bus        *bus.Bus
	logger     *slog.Logger
}

// NewServer creates a new API server.
func NewServer(reg *registry.Registry, led *ledger.Ledger, rec *reconcile.Reconciler, b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: reg, ledger: led, reconciler: rec, bus: b, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/hosts/{id}/report", s.ingestReport)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/idle", s.idleSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/unidle", s.unidleSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/archive", s.archiveSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/respond", s.respondSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/dismiss", s.dismissSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/pending-approval", s.pendingApproval)
	mux.HandleFunc("GET /api/v1/sessions/{id}/snapshot", s.getSnapshot)

	mux.HandleFunc("GET /api/v1/approvals", s.listApprovals)
	mux.HandleFunc("POST /api/v1/approvals", s.createApproval)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.getApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", s.decideApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/timeout", s.timeoutApproval)

	mux.HandleFunc("GET /api/v1/attention", s.listAttention)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)
	mux.HandleFunc("POST /api/v1/events/{client}/subscribe", s.subscribeEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Host reports ---

func (s *Server) ingestReport(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")

	var report models.HostReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if report.HostID == "" {
		report.HostID = hostID
	}
	if report.HostID != hostID {
		writeError(w, http.StatusBadRequest, "host_id mismatch")
		return
	}

	result, err := s.registry.Ingest(r.Context(), &report)
	if err != nil {
		if strings.Contains(err.Error(), "missing") || strings.Contains(err.Error(), "invalid") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionListFilter{
		HostID:          q.Get("host_id"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	for _, raw := range q["status"] {
		status := models.SessionStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	sessions, err := s.registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) idleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Idle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) unidleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Unidle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Archive(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Choice string `json:"choice"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	response, _, err := s.reconciler.Resolve(r.Context(), id, req.Choice, req.Actor)
	if err != nil {
		if strings.Contains(err.Error(), "no attention item") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.registry.RecordResponse(r.Context(), id, response); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

func (s *Server) dismissSession(w http.ResponseWriter, r *http.Request) {
	s.reconciler.Dismiss(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pendingApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.ledger.PendingFor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if approval == nil {
		writeError(w, http.StatusNotFound, "no live approval")
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.LatestSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Approvals ---

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalListFilter{
		SessionID: q.Get("session_id"),
		LiveOnly:  q.Get("live") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	approvals, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) createApproval(w http.ResponseWriter, r *http.Request) {
	var a models.Approval
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if a.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	created, err := s.ledger.Create(r.Context(), &a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Decision string `json:"decision"`
		Payload  string `json:"payload"`
		Actor    string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	decision := models.Decision(req.Decision)
	if !decision.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q", req.Decision))
		return
	}

	approval, err := s.ledger.Decide(r.Context(), id, decision, req.Payload, req.Actor)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if approval == nil {
		// lost the race: already decided or timed out
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_live"})
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) timeoutApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.ledger.TimeOut(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if approval == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_live"})
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// --- Attention ---

func (s *Server) listAttention(w http.ResponseWriter, r *http.Request) {
	var items []*reconcile.AttentionItem
	if r.URL.Query().Get("idled") == "true" {
		items = s.reconciler.IdledItems()
	} else {
		items = s.reconciler.Items()
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Events ---

const sseHeartbeat = 30 * time.Second

// streamEvents serves the SSE stream. The first frame carries the client id
// to use with the subscribe endpoint; until the client posts a topic set it
// receives only heartbeats. The optional topics query parameter seeds an
// unfiltered subscription, e.g. ?topics=sessions.changed,approvals.created.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	events := s.bus.Subscribe(clientID)
	defer s.bus.Unsubscribe(clientID)

	if raw := r.URL.Query().Get("topics"); raw != "" {
		var topics []bus.Topic
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, bus.Topic{Type: t})
			}
		}
		s.bus.SetTopics(clientID, topics)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: hello\ndata: {\"client_id\":%q}\n\n", clientID)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("marshal event", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// subscribeMessage is the wire form of a topic-set replacement.
type subscribeMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Topics []struct {
			Type   string            `json:"type"`
			Filter map[string]string `json:"filter,omitempty"`
		} `json:"topics"`
	} `json:"payload"`
}

// subscribeEvents replaces a connected client's subscription set wholesale.
// Malformed messages are logged and rejected without touching the stream.
func (s *Server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client")

	var msg subscribeMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.logger.Warn("malformed subscribe message", "client", clientID, "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg.Type != "ui.subscribe" {
		s.logger.Warn("unexpected message type", "client", clientID, "type", msg.Type)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unexpected message type %q", msg.Type))
		return
	}

	topics := make([]bus.Topic, 0, len(msg.Payload.Topics))
	for _, t := range msg.Payload.Topics {
		topics = append(topics, bus.Topic{Type: t.Type, Filter: t.Filter})
	}
	s.bus.SetTopics(clientID, topics)
	writeJSON(w, http.StatusOK, map[string]any{"topics": len(topics)})
}
