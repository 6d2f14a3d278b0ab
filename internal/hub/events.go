package hub

import (
	"sync"
	"time"
)

// EventType names the happenings the hub announces to subscribers.
type EventType string

const (
	EventGeneRegistered  EventType = "gene_registered"
	EventBountyPublished EventType = "bounty_published"
	EventBountyClaimed   EventType = "bounty_claimed"
	EventBountyCompleted EventType = "bounty_completed"
	EventCycleComplete   EventType = "cycle_complete"
)

// Event is one broadcast message.
type Event struct {
	Type    EventType `json:"type"`
	GeneID  string    `json:"gene_id,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Broadcaster fans events out to subscribers. Slow subscribers drop
// events instead of blocking the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and an unsubscribe func.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends the event to every subscriber, timestamping it if the
// caller did not.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
