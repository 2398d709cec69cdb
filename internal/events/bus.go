// Package events provides the in-process publish/subscribe bus used to
// push system events to SSE clients and background listeners.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	RatingChanged        EventType = "RATING_CHANGED"
	SweepCompleted       EventType = "SWEEP_COMPLETED"
	SnapshotWritten      EventType = "SNAPSHOT_WRITTEN"
	MarketCloseProcessed EventType = "MARKET_CLOSE_PROCESSED"
	AccuracyRecalculated EventType = "ACCURACY_RECALCULATED"
	EarningsUpdated      EventType = "EARNINGS_UPDATED"
	BackupCompleted      EventType = "BACKUP_COMPLETED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler is called for every event of a subscribed type.
// Handlers must not block; slow consumers buffer and drop on their side.
type Handler func(event *Event)

// Bus is an in-process pub/sub bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[int]Handler
	nextID   int
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns a
// subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.nextID++
	b.handlers[eventType][b.nextID] = handler
	return b.nextID
}

// Unsubscribe removes a subscription created by Subscribe.
func (b *Bus) Unsubscribe(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers[eventType], id)
}

// Emit publishes an event to all handlers subscribed to its type.
// Dispatch is synchronous on the caller's goroutine.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType]))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("handlers", len(handlers)).
		Msg("Event emitted")
}
