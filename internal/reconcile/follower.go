package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/codefleet/overseer/internal/bus"
	"github.com/google/uuid"
)

const (
	followerBaseBackoff = time.Second
	followerMaxBackoff  = 30 * time.Second
)

// Follower keeps a Reconciler current against the event bus. Each cycle is
// seed-then-stream: fetch full state, then consume events, so a (re)connect
// never depends on a resumable stream position. A closed subscription
// channel triggers a fresh cycle after capped exponential backoff.
type Follower struct {
	rec    *Reconciler
	bus    *bus.Bus
	logger *slog.Logger

	// OnDelta, when set, is called for every non-empty change to the
	// attention set, including the seed.
	OnDelta func(*Delta)
}

func NewFollower(rec *Reconciler, b *bus.Bus, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{rec: rec, bus: b, logger: logger}
}

var followTopics = []bus.Topic{
	{Type: bus.EventSessionsChanged},
	{Type: bus.EventSnapshotsUpdated},
	{Type: bus.EventApprovalsCreated},
	{Type: bus.EventApprovalsUpdated},
}

// Run blocks until ctx is done.
func (f *Follower) Run(ctx context.Context) {
	backoff := followerBaseBackoff
	for {
		if err := f.cycle(ctx); err != nil {
			f.logger.Warn("follower cycle ended", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > followerMaxBackoff {
			backoff = followerMaxBackoff
		}
	}
}

func (f *Follower) cycle(ctx context.Context) error {
	clientID := "follower-" + uuid.NewString()
	events := f.bus.Subscribe(clientID)
	f.bus.SetTopics(clientID, followTopics)
	defer f.bus.Unsubscribe(clientID)

	delta, err := f.rec.Seed(ctx)
	if err != nil {
		return err
	}
	f.emit(delta)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			delta, err := f.rec.Ingest(ctx, ev)
			if err != nil {
				f.logger.Warn("ingest event", "type", ev.Type, "error", err)
				continue
			}
			f.emit(delta)
		}
	}
}

func (f *Follower) emit(delta *Delta) {
	if f.OnDelta == nil || delta == nil || delta.Empty() {
		return
	}
	f.OnDelta(delta)
}
