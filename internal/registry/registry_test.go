package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, <-chan bus.Event) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	ch := b.Subscribe("test")
	b.SetTopics("test", []bus.Topic{
		{Type: bus.EventSessionsChanged},
		{Type: bus.EventSnapshotsUpdated},
		{Type: bus.EventApprovalsCreated},
		{Type: bus.EventApprovalsUpdated},
	})

	led := ledger.New(s, b, nil)
	return New(s, led, b, nil), ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func report(sessions ...models.ReportedSession) *models.HostReport {
	return &models.HostReport{
		HostID:   "host-1",
		SentAt:   time.Now().UTC(),
		Sessions: sessions,
	}
}

func TestIngest_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, &models.HostReport{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing host_id")

	_, err = reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{Status: models.SessionStatusRunning},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")

	_, err = reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: "bogus"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestIngest_NewSession(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning, Title: "build"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)

	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventSessionsChanged, ev.Type)
	assert.Equal(t, "sess-1", ev.Payload["session_id"])
	assert.Equal(t, "host-1", ev.Payload["host_id"])

	got, err := reg.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", got.HostID)
}

func TestIngest_IdenticalReportIsQuiet(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	rep := report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning, Title: "build"},
	})
	_, err := reg.Ingest(ctx, rep)
	require.NoError(t, err)
	waitEvent(t, ch)

	res, err := reg.Ingest(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sessions)
	assertNoEvent(t, ch)
}

func TestIngest_StatusChangePublishes(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning},
	}))
	require.NoError(t, err)
	waitEvent(t, ch)

	_, err = reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
	}))
	require.NoError(t, err)

	ev := waitEvent(t, ch)
	assert.Equal(t, string(models.SessionStatusWaitingForInput), ev.Payload["status"])
}

func TestIngest_SnapshotDedup(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Snapshots)
	waitEvent(t, ch) // sessions.changed
	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventSnapshotsUpdated, ev.Type)

	// Same capture again: no snapshot event, no session event.
	res, err = reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
		Capture: "Continue? (y/n)",
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Snapshots)
	assertNoEvent(t, ch)
}

func TestIngest_ApprovalThroughLedger(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session:  models.Session{ID: "sess-1", Provider: "claude", Status: models.SessionStatusWaitingForApproval},
		Approval: &models.Approval{RequestedPayload: `{"question":"run tests?"}`},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approvals)

	waitEvent(t, ch) // sessions.changed
	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsCreated, ev.Type)
	assert.Equal(t, "sess-1", ev.Payload["session_id"])
	// Provider defaults from the session when the request omits it.
	assert.Equal(t, "claude", ev.Payload["provider"])
}

func TestIdleUnidle(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning},
	}))
	require.NoError(t, err)
	waitEvent(t, ch)

	s, err := reg.Idle(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, s.Idled())
	ev := waitEvent(t, ch)
	assert.Equal(t, true, ev.Payload["idled"])

	s, err = reg.Unidle(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, s.Idled())
	ev = waitEvent(t, ch)
	assert.Equal(t, false, ev.Payload["idled"])
}

func TestArchive(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusDone},
	}))
	require.NoError(t, err)
	waitEvent(t, ch)

	require.NoError(t, reg.Archive(ctx, "sess-1"))
	ev := waitEvent(t, ch)
	assert.Equal(t, true, ev.Payload["archived"])

	sessions, err := reg.List(ctx, store.SessionListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSweepStale(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, report(
		models.ReportedSession{Session: models.Session{ID: "sess-1", Status: models.SessionStatusRunning}},
		models.ReportedSession{Session: models.Session{ID: "sess-2", Status: models.SessionStatusRunning}},
	))
	require.NoError(t, err)
	waitEvent(t, ch)
	waitEvent(t, ch)

	ids, err := reg.SweepStale(ctx, "host-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	for range ids {
		ev := waitEvent(t, ch)
		assert.Equal(t, true, ev.Payload["archived"])
	}
}

func TestRecordResponse(t *testing.T) {
	reg, ch := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Ingest(ctx, report(models.ReportedSession{
		Session: models.Session{ID: "sess-1", Status: models.SessionStatusWaitingForInput},
	}))
	require.NoError(t, err)
	waitEvent(t, ch)

	require.NoError(t, reg.RecordResponse(ctx, "sess-1", "y"))
	waitEvent(t, ch)

	got, err := reg.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "y", got.LastResponse)
}
