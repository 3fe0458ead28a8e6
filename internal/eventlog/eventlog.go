package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallStarted      EventType = "call_started"
	EventGreetingSpoken   EventType = "greeting_spoken"
	EventTurnFinalized    EventType = "turn_finalized"
	EventReprompt         EventType = "reprompt"
	EventIntentExtracted  EventType = "intent_extracted"
	EventStepTransition   EventType = "step_transition"
	EventProviderFallback EventType = "provider_fallback"
	EventCallTerminated   EventType = "call_terminated"
	EventDispatchEnqueued EventType = "dispatch_enqueued"
	EventDispatchDone     EventType = "dispatch_completed"
	EventDispatchFailed   EventType = "dispatch_failed"
	EventQueueShed        EventType = "queue_shed"
)

// Event is one published call event, as delivered to live subscribers.
type Event struct {
	CallID    string         `json:"call_id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Logger writes call events to the database and fans them out to live
// subscribers (the admin event feed).
type Logger struct {
	db *pgxpool.Pool

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// New creates a new event logger. db may be nil, in which case events are
// only broadcast, not persisted.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{
		db:   db,
		subs: make(map[chan Event]struct{}),
	}
}

// Log writes an event to the database synchronously and broadcasts it.
func (l *Logger) Log(ctx context.Context, callID string, eventType EventType, data map[string]any) error {
	if callID == "" {
		return nil
	}

	ev := Event{CallID: callID, Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	l.broadcast(ev)

	if l.db == nil {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, callID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller.
func (l *Logger) LogAsync(callID string, eventType EventType, data map[string]any) {
	if callID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, callID, eventType, data)
	}()
}

// Subscribe returns a channel receiving every event logged from now on.
// Slow subscribers drop events rather than blocking call handling.
func (l *Logger) Subscribe() chan Event {
	ch := make(chan Event, 64)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (l *Logger) Unsubscribe(ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

func (l *Logger) broadcast(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
