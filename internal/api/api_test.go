package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/reconcile"
	"github.com/codefleet/overseer/internal/registry"
	"github.com/codefleet/overseer/internal/store"
)

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	rec     *reconcile.Reconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	led := ledger.New(s, b, nil)
	reg := registry.New(s, led, b, nil)
	rec := reconcile.New(s, led, nil)

	srv := NewServer(reg, led, rec, b, nil)
	return &testServer{handler: srv.Router(), store: s, rec: rec}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func sampleReport(sessions ...models.ReportedSession) models.HostReport {
	return models.HostReport{HostID: "host-1", Sessions: sessions}
}

func TestIngestReport(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning, Title: "build"},
		Capture: "compiling...",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[map[string]int](t, w)
	assert.Equal(t, 1, res["sessions"])
	assert.Equal(t, 1, res["snapshots"])
}

func TestIngestReport_HostMismatch(t *testing.T) {
	ts := newTestServer(t)

	report := sampleReport()
	report.HostID = "other-host"
	w := ts.do(t, "POST", "/api/v1/hosts/host-1/report", report)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestReport_InvalidStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: "bogus"},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestReport_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/hosts/host-1/report", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning},
	}))

	w := ts.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode[[]models.Session](t, w)
	require.Len(t, sessions, 1)

	w = ts.do(t, "GET", "/api/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Session](t, w)
	assert.Equal(t, "sess-1", got.ID)

	w = ts.do(t, "GET", "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "POST", "/api/v1/sessions/sess-1/idle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[models.Session](t, w)
	assert.NotNil(t, got.IdledAt)

	w = ts.do(t, "POST", "/api/v1/sessions/sess-1/unidle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[models.Session](t, w)
	assert.Nil(t, got.IdledAt)

	w = ts.do(t, "POST", "/api/v1/sessions/sess-1/archive", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, "GET", "/api/v1/sessions", nil)
	sessions = decode[[]models.Session](t, w)
	assert.Empty(t, sessions)
}

func TestListSessions_InvalidStatusFilter(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/v1/sessions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))

	w := ts.do(t, "GET", "/api/v1/sessions/sess-1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[models.SessionSnapshot](t, w)
	assert.Equal(t, "Continue? (y/n)", snap.CaptureText)

	w = ts.do(t, "GET", "/api/v1/sessions/other/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals", models.Approval{
		SessionID:        "sess-1",
		RequestedPayload: `{"question":"deploy?"}`,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	a := decode[models.Approval](t, w)
	require.NotEmpty(t, a.ID)

	w = ts.do(t, "GET", "/api/v1/approvals/"+a.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "GET", "/api/v1/sessions/sess-1/pending-approval", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[models.Approval](t, w)
	assert.Equal(t, a.ID, pending.ID)

	w = ts.do(t, "POST", "/api/v1/approvals/"+a.ID+"/decide", map[string]string{
		"decision": "allow",
		"actor":    "operator",
	})
	require.Equal(t, http.StatusOK, w.Code)
	decided := decode[models.Approval](t, w)
	assert.Equal(t, models.DecisionAllow, decided.Decision)

	// Second decision: lost the race.
	w = ts.do(t, "POST", "/api/v1/approvals/"+a.ID+"/decide", map[string]string{
		"decision": "deny",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[map[string]string](t, w)
	assert.Equal(t, "not_live", conflict["status"])

	w = ts.do(t, "GET", "/api/v1/sessions/sess-1/pending-approval", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateApproval_MissingSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals", models.Approval{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecideApproval_InvalidDecision(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals/app-1/decide", map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecideApproval_NotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals/nope/decide", map[string]string{"decision": "allow"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimeoutApproval(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals", models.Approval{SessionID: "sess-1"})
	a := decode[models.Approval](t, w)

	w = ts.do(t, "POST", "/api/v1/approvals/"+a.ID+"/timeout", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/v1/approvals/"+a.ID+"/timeout", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListApprovals_LiveFilter(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/approvals", models.Approval{SessionID: "sess-1"})
	a := decode[models.Approval](t, w)
	ts.do(t, "POST", "/api/v1/approvals", models.Approval{SessionID: "sess-2"})
	ts.do(t, "POST", "/api/v1/approvals/"+a.ID+"/decide", map[string]string{"decision": "deny"})

	w = ts.do(t, "GET", "/api/v1/approvals?live=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	live := decode[[]models.Approval](t, w)
	require.Len(t, live, 1)
	assert.Equal(t, "sess-2", live[0].SessionID)
}

func TestAttentionAndRespond(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))
	_, err := ts.rec.Seed(ctx)
	require.NoError(t, err)

	w := ts.do(t, "GET", "/api/v1/attention", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]reconcile.AttentionItem](t, w)
	require.Len(t, items, 1)
	assert.Equal(t, "sess-1", items[0].SessionID)

	w = ts.do(t, "POST", "/api/v1/sessions/sess-1/respond", map[string]string{
		"choice": "yes",
		"actor":  "operator",
	})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[map[string]string](t, w)
	assert.Equal(t, "y", res["response"])

	// The response is recorded on the session row.
	sess, err := ts.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "y", sess.LastResponse)

	w = ts.do(t, "GET", "/api/v1/attention", nil)
	items = decode[[]reconcile.AttentionItem](t, w)
	assert.Empty(t, items)
}

func TestRespond_NoItem(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/sessions/nope/respond", map[string]string{"choice": "y"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDismissEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))
	_, err := ts.rec.Seed(ctx)
	require.NoError(t, err)

	w := ts.do(t, "POST", "/api/v1/sessions/sess-1/dismiss", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, "GET", "/api/v1/attention", nil)
	items := decode[[]reconcile.AttentionItem](t, w)
	assert.Empty(t, items)
}

func TestAttention_IdledPartition(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.do(t, "POST", "/api/v1/hosts/host-1/report", sampleReport(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))
	ts.do(t, "POST", "/api/v1/sessions/sess-1/idle", nil)
	_, err := ts.rec.Seed(ctx)
	require.NoError(t, err)

	w := ts.do(t, "GET", "/api/v1/attention", nil)
	items := decode[[]reconcile.AttentionItem](t, w)
	assert.Empty(t, items)

	w = ts.do(t, "GET", "/api/v1/attention?idled=true", nil)
	items = decode[[]reconcile.AttentionItem](t, w)
	require.Len(t, items, 1)
	assert.Equal(t, "sess-1", items[0].SessionID)
}

func TestSubscribeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{
		"type": "ui.subscribe",
		"payload": map[string]any{
			"topics": []map[string]any{
				{"type": "sessions.changed"},
				{"type": "approvals.created", "filter": map[string]string{"session_id": "sess-1"}},
			},
		},
	}
	w := ts.do(t, "POST", "/api/v1/events/client-1/subscribe", body)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[map[string]int](t, w)
	assert.Equal(t, 2, res["topics"])
}

func TestSubscribeEndpoint_Malformed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/events/client-1/subscribe", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/v1/events/client-1/subscribe", map[string]any{"type": "other"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
