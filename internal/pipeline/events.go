package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/logger"
)

// EventType identifies a pipeline lifecycle event.
type EventType string

const (
	EventIngestStart    EventType = "ingest:start"
	EventIngestComplete EventType = "ingest:complete"
	EventIngestError    EventType = "ingest:error"
)

// Event describes one stage transition of an ingest.
type Event struct {
	ID          string            `json:"id"`
	Stage       string            `json:"stage"`
	Type        EventType         `json:"type"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	Duration    time.Duration     `json:"duration,omitempty"`
	RecordCount int               `json:"record_count,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handler receives events on the subscription's delivery goroutine.
type Handler func(Event)

// Subscription is a revocable registration of a handler.
type Subscription struct {
	id        string
	eventType EventType
	bus       *eventBus
}

// Cancel revokes the subscription and stops its delivery goroutine.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.bus != nil {
		s.bus.remove(s.eventType, s.id)
		s.bus = nil
	}
}

// eventBus dispatches events to type-scoped subscribers. Each
// subscriber drains a buffered channel on its own goroutine; when the
// buffer is full the event is dropped rather than stalling an ingest.
// A panicking handler is recovered and logged.
type eventBus struct {
	mu      sync.RWMutex
	subs    map[EventType]map[string]chan Event
	bufSize int
	logger  *zap.Logger
	dropped atomic.Int64
}

func newEventBus(bufSize int) *eventBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &eventBus{
		subs:    make(map[EventType]map[string]chan Event),
		bufSize: bufSize,
		logger:  logger.Get().With(zap.String("component", "event_bus")),
	}
}

func (b *eventBus) subscribe(eventType EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, b.bufSize)
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[string]chan Event)
	}
	b.subs[eventType][id] = ch

	go b.deliver(ch, handler)
	return &Subscription{id: id, eventType: eventType, bus: b}
}

func (b *eventBus) remove(eventType EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[eventType][id]; ok {
		delete(b.subs[eventType], id)
		close(ch)
	}
}

// emit fans an event out to the type's subscribers. Sends are
// non-blocking; the read lock excludes concurrent channel closes.
func (b *eventBus) emit(event Event) {
	event.ID = uuid.New().String()
	event.Stage = "ingest"
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("event_type", string(event.Type)))
		}
	}
}

func (b *eventBus) deliver(ch chan Event, handler Handler) {
	for event := range ch {
		b.dispatch(handler, event)
	}
}

func (b *eventBus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}
