// Package events is the in-process event bus of the workflow engine. Subscribers run
// synchronously in publish order; sinks forward every event to external systems.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names fired by the engine.
const (
	NewUser          = "new-user"
	IncomingMessage  = "new-incoming-message"
	OutgoingMessage  = "new-outgoing-message"
	MemoryChanged    = "memory-field-changed"
	ProfileRefreshed = "user-profile-refreshed"
)

// Event is one published notification.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UserID    string         `json:"userId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is what engine components use to fire events.
type Publisher interface {
	Publish(ctx context.Context, name, userID string, payload map[string]any)
}

// Subscriber handles one event. Errors are logged by the bus.
type Subscriber func(ctx context.Context, e Event) error

// Sink receives every event, e.g. to forward it to a broker.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Bus dispatches events to subscribers by name and to all sinks.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	sinks []Sink
}

// Compile-time check that Bus implements Publisher.
var _ Publisher = (*Bus)(nil)

// NewBus creates a bus forwarding to sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{subs: make(map[string][]Subscriber), sinks: sinks}
}

// Subscribe registers fn for events named name.
func (b *Bus) Subscribe(name string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], fn)
}

// AddSink registers an additional sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish builds an event and delivers it. Failing subscribers or sinks never stop delivery.
func (b *Bus) Publish(ctx context.Context, name, userID string, payload map[string]any) {
	e := Event{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[name]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	slog.Debug("Event published", "event", name, "userID", userID, "subscribers", len(subs))
	for _, fn := range subs {
		if err := fn(ctx, e); err != nil {
			slog.Error("Event subscriber failed", "error", err, "event", name, "userID", userID)
		}
	}
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Error("Event sink failed", "error", err, "event", name, "eventID", e.ID)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(ctx context.Context, name, userID string, payload map[string]any) {}
