package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies an observer event emitted by the engine.
type EventType string

const (
	EventTurnCompleted      EventType = "turn.completed"
	EventToolOutcome        EventType = "tool.outcome"
	EventModeChanged        EventType = "mode.changed"
	EventJourneyChanged     EventType = "journey.changed"
	EventGenerationDegraded EventType = "generation.degraded"
	EventEvaluationFailed   EventType = "evaluation.failed"
)

// Event captures a semantic event for observers.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, sessionID, turnID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Broadcaster fans events out to subscribers.
// Slow subscribers lose events instead of blocking the turn loop.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[int]chan Event), buffer: buffer}
}

// Emit implements EventEmitter.
func (b *Broadcaster) Emit(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MultiEmitter forwards every event to each emitter in order.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}
