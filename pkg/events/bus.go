package events

import (
	"sort"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe hub keyed by event type.
// Publish delivers to every matching handler before returning; a panicking handler
// is logged and does not affect the others.
type Bus struct {
	source string
	clock  quartz.Clock
	logger logging.Logger

	mutex       sync.RWMutex
	subscribers map[string]map[uint64]Handler
	nextID      uint64
}

func NewBus(source string, clock quartz.Clock, logger logging.Logger) *Bus {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Bus{
		source:      source,
		clock:       clock,
		logger:      logger,
		subscribers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers handler for eventType (or All) and returns its cancel func
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	id := b.nextID
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[uint64]Handler)
	}
	b.subscribers[eventType][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.subscribers[eventType], id)
			if len(b.subscribers[eventType]) == 0 {
				delete(b.subscribers, eventType)
			}
		})
	}
}

// Publish builds an event from type and data and delivers it
func (b *Bus) Publish(eventType string, data map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    b.source,
		Timestamp: b.clock.Now(),
		Data:      data,
	}
	b.Deliver(event)
	return event
}

// Deliver passes an already built event (e.g. relayed from outside) to subscribers
func (b *Bus) Deliver(event Event) {
	for _, sub := range b.handlersFor(event.Type) {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Event handler panicked, type: %s, subscription: %d, panic: %v", event.Type, sub.id, r)
		}
	}()
	sub.handler(event)
}

// handlersFor returns the matching handlers in subscription order
func (b *Bus) handlersFor(eventType string) []subscription {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	subs := make([]subscription, 0, len(b.subscribers[eventType])+len(b.subscribers[All]))
	for id, handler := range b.subscribers[eventType] {
		subs = append(subs, subscription{id: id, handler: handler})
	}
	if eventType != All {
		for id, handler := range b.subscribers[All] {
			subs = append(subs, subscription{id: id, handler: handler})
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// SubscriberCount returns the number of handlers registered for eventType
func (b *Bus) SubscriberCount(eventType string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers[eventType])
}
