// Package memory is the in-process event publisher used when Pub/Sub is not
// configured. Tests use it to assert on emitted job lifecycle events.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher retains every published event in order.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event is one captured publish call.
type Event struct {
	Topic   string
	Payload any
}

// New constructs an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event and returns a synthetic message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("local-%d", len(p.events)), nil
}

// Events returns a copy of the captured events.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
