// Package bus is a topic-and-filter publish/subscribe fan-out for change
// events. Delivery is best-effort and in-memory only: observers that connect
// late miss earlier events, which is why every consumer seeds from a full
// state fetch before subscribing.
package bus

import (
	"fmt"
	"log/slog"
)

// Topic is one entry of a subscription: an event type, optionally narrowed
// by field-equality filters. Missing filter keys are wildcards.
type Topic struct {
	Type   string            `json:"type"`
	Filter map[string]string `json:"filter,omitempty"`
}

// Event is the published envelope: a "<domain>.<verb>" type plus payload.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Matches reports whether the event satisfies the topic: the type must be
// equal and every filter key present must equal the corresponding payload
// field (AND semantics).
func (t Topic) Matches(ev Event) bool {
	if t.Type != ev.Type {
		return false
	}
	for key, want := range t.Filter {
		got, ok := ev.Payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// subscriberBuffer is the per-observer delivery channel depth. A full buffer
// drops the event for that observer only; producers never block.
const subscriberBuffer = 64

type subscriber struct {
	id     string
	topics []Topic
	ch     chan Event
}

type command interface{ isCommand() }

type subscribeCmd struct {
	id    string
	reply chan chan Event
}

type setTopicsCmd struct {
	id     string
	topics []Topic
	done   chan struct{}
}

type unsubscribeCmd struct {
	id   string
	done chan struct{}
}

type publishCmd struct {
	event Event
}

func (subscribeCmd) isCommand()   {}
func (setTopicsCmd) isCommand()   {}
func (unsubscribeCmd) isCommand() {}
func (publishCmd) isCommand()     {}

// Bus fans events out to subscribers. All subscription state is owned by a
// single dispatcher goroutine; the public methods are commands on a channel,
// so no map is ever touched from two goroutines.
type Bus struct {
	commands chan command
	stop     chan struct{}
	stopped  chan struct{}
	logger   *slog.Logger
}

// New starts a bus and its dispatcher.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		commands: make(chan command, 256),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
	go b.dispatch()
	return b
}

// Close shuts the dispatcher down and closes all subscriber channels.
func (b *Bus) Close() {
	close(b.stop)
	<-b.stopped
}

// Subscribe registers an observer with an empty topic set and returns its
// delivery channel. Subscribing again under the same id replaces the old
// registration and closes its channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	reply := make(chan chan Event, 1)
	select {
	case b.commands <- subscribeCmd{id: id, reply: reply}:
		return <-reply
	case <-b.stop:
		ch := make(chan Event)
		close(ch)
		return ch
	}
}

// SetTopics replaces the observer's subscription set wholesale. Clients
// always send their complete desired topic set; nothing is merged.
func (b *Bus) SetTopics(id string, topics []Topic) {
	done := make(chan struct{})
	select {
	case b.commands <- setTopicsCmd{id: id, topics: topics, done: done}:
		<-done
	case <-b.stop:
	}
}

// Unsubscribe removes the observer's filter set immediately and closes its
// channel. There is no grace period.
func (b *Bus) Unsubscribe(id string) {
	done := make(chan struct{})
	select {
	case b.commands <- unsubscribeCmd{id: id, done: done}:
		<-done
	case <-b.stop:
	}
}

// Publish enqueues an event for fan-out. It never blocks: if the dispatcher
// queue is full the event is dropped and logged.
func (b *Bus) Publish(ev Event) {
	select {
	case b.commands <- publishCmd{event: ev}:
	case <-b.stop:
	default:
		b.logger.Warn("event bus queue full, dropping event", "type", ev.Type)
	}
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	subs := make(map[string]*subscriber)

	for {
		select {
		case <-b.stop:
			for _, sub := range subs {
				close(sub.ch)
			}
			return
		case cmd := <-b.commands:
			switch c := cmd.(type) {
			case subscribeCmd:
				if old, ok := subs[c.id]; ok {
					close(old.ch)
				}
				sub := &subscriber{id: c.id, ch: make(chan Event, subscriberBuffer)}
				subs[c.id] = sub
				c.reply <- sub.ch
			case setTopicsCmd:
				if sub, ok := subs[c.id]; ok {
					sub.topics = c.topics
				}
				close(c.done)
			case unsubscribeCmd:
				if sub, ok := subs[c.id]; ok {
					close(sub.ch)
					delete(subs, c.id)
				}
				close(c.done)
			case publishCmd:
				for _, sub := range subs {
					if !matchesAny(sub.topics, c.event) {
						continue
					}
					select {
					case sub.ch <- c.event:
					default:
						// Slow observer: drop for this subscriber only.
						b.logger.Warn("subscriber buffer full, dropping event",
							"subscriber", sub.id, "type", c.event.Type)
					}
				}
			}
		}
	}
}

func matchesAny(topics []Topic, ev Event) bool {
	for _, t := range topics {
		if t.Matches(ev) {
			return true
		}
	}
	return false
}
