package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/reconcile"
	"github.com/codefleet/overseer/internal/registry"
	"github.com/codefleet/overseer/internal/store"
)

// Server wraps the overseer core and exposes it as MCP tools.
type Server struct {
	registry   *registry.Registry
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(reg *registry.Registry, led *ledger.Ledger, rec *reconcile.Reconciler) *Server {
	return &Server{registry: reg, ledger: led, reconciler: rec}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("overseer", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.attentionTool())
	srv.AddTool(s.decideTool())
	srv.AddTool(s.idleSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// overseer_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_list_sessions",
		mcp.WithDescription("List supervised agent sessions. Returns a JSON array with id, host, provider, title, status, and timestamps."),
		mcp.WithString("host_id", mcp.Description("Filter by host id")),
		mcp.WithString("status", mcp.Description("Status filter: STARTING, RUNNING, WAITING_FOR_INPUT, WAITING_FOR_APPROVAL, ERROR, IDLE, DONE")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionListFilter{HostID: request.GetString("host_id", "")}
	if raw := request.GetString("status", ""); raw != "" {
		status := models.SessionStatus(raw)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", raw)), nil
		}
		filter.Statuses = []models.SessionStatus{status}
	}

	sessions, err := s.registry.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID         string `json:"id"`
		HostID     string `json:"host_id"`
		Provider   string `json:"provider,omitempty"`
		Title      string `json:"title,omitempty"`
		Status     string `json:"status"`
		Idled      bool   `json:"idled"`
		LastSeenAt string `json:"last_seen_at"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:         sess.ID,
			HostID:     sess.HostID,
			Provider:   sess.Provider,
			Title:      sess.Title,
			Status:     string(sess.Status),
			Idled:      sess.Idled(),
			LastSeenAt: sess.LastSeenAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// overseer_attention
func (s *Server) attentionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_attention",
		mcp.WithDescription("List sessions that currently need a human decision. Each item has session_id, source (session or approval), the classified action with question and options, and confidence."),
		mcp.WithString("partition", mcp.Description("Which partition to list: active (default) or idled")),
	)
	return tool, s.handleAttention
}

func (s *Server) handleAttention(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var items []*reconcile.AttentionItem
	if request.GetString("partition", "active") == "idled" {
		items = s.reconciler.IdledItems()
	} else {
		items = s.reconciler.Items()
	}

	data, err := json.Marshal(items)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal attention items: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// overseer_decide
func (s *Server) decideTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_decide",
		mcp.WithDescription("Answer a session's pending attention item. The choice is normalized and forwarded to the session; approval-backed items are decided in the ledger. Returns the exact response text that was sent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session whose attention item to answer")),
		mcp.WithString("choice", mcp.Required(), mcp.Description("The operator's answer: an option key, y/n, or free text")),
		mcp.WithString("actor", mcp.Description("Who is deciding, for the audit trail")),
	)
	return tool, s.handleDecide
}

func (s *Server) handleDecide(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	choice, err := request.RequireString("choice")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: choice"), nil
	}
	actor := request.GetString("actor", "mcp")

	response, _, err := s.reconciler.Resolve(ctx, sessionID, choice, actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.registry.RecordResponse(ctx, sessionID, response); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decided but response recording failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"response":   response,
	})
	return mcp.NewToolResultText(string(data)), nil
}

// overseer_idle_session
func (s *Server) idleSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overseer_idle_session",
		mcp.WithDescription("Silence a session so it stops surfacing attention items, or un-silence it. Idled sessions stay visible in the idled partition until unidled."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to idle or unidle")),
		mcp.WithBoolean("unidle", mcp.Description("Set true to clear the idle mark instead")),
	)
	return tool, s.handleIdleSession
}

func (s *Server) handleIdleSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	var session *models.Session
	if request.GetBool("unidle", false) {
		session, err = s.registry.Unidle(ctx, sessionID)
	} else {
		session, err = s.registry.Idle(ctx, sessionID)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"session_id": session.ID,
		"status":     string(session.Status),
		"idled":      session.Idled(),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}
