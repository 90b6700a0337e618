package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, <-chan bus.Event) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	ch := b.Subscribe("test")
	b.SetTopics("test", []bus.Topic{
		{Type: bus.EventApprovalsCreated},
		{Type: bus.EventApprovalsUpdated},
	})

	return New(s, b, nil), ch
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

func TestCreate_PublishesCreated(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	a, err := led.Create(ctx, &models.Approval{SessionID: "sess-1", Provider: "claude"})
	require.NoError(t, err)

	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsCreated, ev.Type)
	assert.Equal(t, a.ID, ev.Payload["approval_id"])
	assert.Equal(t, "sess-1", ev.Payload["session_id"])
}

func TestCreate_SupersessionEventsBeforeCreated(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	first, err := led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch) // created for first

	_, err = led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)

	// The superseded approval's timeout is announced before the new one.
	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsUpdated, ev.Type)
	assert.Equal(t, first.ID, ev.Payload["approval_id"])
	assert.Equal(t, "timed_out", ev.Payload["outcome"])

	ev = waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsCreated, ev.Type)
}

func TestCreate_DuplicateIDPublishesNothing(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Create(ctx, &models.Approval{ID: "app-1", SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch)

	again, err := led.Create(ctx, &models.Approval{ID: "app-1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "app-1", again.ID)
	assertNoEvent(t, ch)
}

func TestDecide(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	a, err := led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch)

	decided, err := led.Decide(ctx, a.ID, models.DecisionAllow, `{"choice":"y"}`, "operator")
	require.NoError(t, err)
	require.NotNil(t, decided)
	assert.Equal(t, models.DecisionAllow, decided.Decision)

	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsUpdated, ev.Type)
	assert.Equal(t, "allow", ev.Payload["outcome"])
	assert.Equal(t, "operator", ev.Payload["decided_by"])
}

func TestDecide_InvalidDecision(t *testing.T) {
	led, _ := newTestLedger(t)

	_, err := led.Decide(context.Background(), "app-1", "maybe", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid decision")
}

func TestDecide_LostRacePublishesNothing(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	a, err := led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch)

	_, err = led.Decide(ctx, a.ID, models.DecisionAllow, "", "first")
	require.NoError(t, err)
	waitEvent(t, ch)

	second, err := led.Decide(ctx, a.ID, models.DecisionDeny, "", "second")
	require.NoError(t, err)
	assert.Nil(t, second)
	assertNoEvent(t, ch)
}

func TestTimeOut(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	a, err := led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch)

	timedOut, err := led.TimeOut(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, timedOut)

	ev := waitEvent(t, ch)
	assert.Equal(t, bus.EventApprovalsUpdated, ev.Type)
	assert.Equal(t, "timed_out", ev.Payload["outcome"])

	// Already resolved: lost race, no event.
	again, err := led.TimeOut(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
	assertNoEvent(t, ch)
}

func TestPendingFor(t *testing.T) {
	led, ch := newTestLedger(t)
	ctx := context.Background()

	pending, err := led.PendingFor(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	a, err := led.Create(ctx, &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	waitEvent(t, ch)

	pending, err = led.PendingFor(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, a.ID, pending.ID)
}

func TestNilBusIsSafe(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	led := New(s, nil, nil)
	a, err := led.Create(context.Background(), &models.Approval{SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = led.Decide(context.Background(), a.ID, models.DecisionDeny, "", "cli")
	require.NoError(t, err)
}
