// Package events is the in-memory fan-out bus for execution lifecycle
// events, consumed by SSE subscribers on the API.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeStateChanged = "execution_state_changed"
	TypeStepFinished = "step_finished"
	TypeApproval     = "approval_decided"
	TypeBreaker      = "breaker_changed"
)

// Event is one lifecycle notification pushed to subscribers.
type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	RunbookID   string    `json:"runbook_id,omitempty"`
	RunbookName string    `json:"runbook_name,omitempty"`
	OldState    string    `json:"old_state,omitempty"`
	NewState    string    `json:"new_state,omitempty"`
	StepOrder   int       `json:"step_order,omitempty"`
	StepStatus  string    `json:"step_status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Broker fans events out to active subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	nextCh int64
	subs   map[int64]chan Event
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int64]chan Event),
	}
}

// Publish broadcasts an event to all active subscribers.
// Slow subscribers drop events instead of blocking producers.
func (b *Broker) Publish(evt Event) {
	evt.ID = b.nextID.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns an event channel and cancel func.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	id := atomic.AddInt64(&b.nextCh, 1)
	ch := make(chan Event, 32)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}

	return ch, cancel
}
