package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/codefleet/overseer/internal/models"
)

func TestFollower_SeedThenStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(nil)
	t.Cleanup(b.Close)

	env.addSession(t, "sess-seeded", models.SessionStatusWaitingForInput)
	env.addSnapshot(t, "sess-seeded", "Continue? (y/n)")

	deltas := make(chan *Delta, 16)
	f := NewFollower(env.rec, b, nil)
	f.OnDelta = func(d *Delta) { deltas <- d }

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Seed surfaces the pre-existing session.
	select {
	case d := <-deltas:
		require.Len(t, d.Upserts, 1)
		assert.Equal(t, "sess-seeded", d.Upserts[0].SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for seed delta")
	}

	// A streamed event surfaces a new session.
	env.addSession(t, "sess-live", models.SessionStatusError)
	env.addSnapshot(t, "sess-live", "Error: compile failed")
	b.Publish(bus.Event{
		Type:    bus.EventSessionsChanged,
		Payload: map[string]any{"session_id": "sess-live"},
	})

	select {
	case d := <-deltas:
		require.Len(t, d.Upserts, 1)
		assert.Equal(t, "sess-live", d.Upserts[0].SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed delta")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not stop on context cancel")
	}
}

func TestFollower_EmptyDeltasNotEmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(nil)
	t.Cleanup(b.Close)

	emitted := make(chan *Delta, 16)
	f := NewFollower(env.rec, b, nil)
	f.OnDelta = func(d *Delta) { emitted <- d }

	go f.Run(ctx)

	// Empty store: the seed changes nothing, and an event for an unknown
	// session changes nothing either.
	b.Publish(bus.Event{
		Type:    bus.EventSessionsChanged,
		Payload: map[string]any{"session_id": "ghost"},
	})

	select {
	case d := <-emitted:
		t.Fatalf("unexpected delta: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}
