// Package events implements the fleet-internal event bus.
//
// Dispatch is synchronous on the emitting goroutine: subscribers run in
// registration order, and an emit from inside a handler recurses depth-first
// before the outer dispatch continues. A panicking handler is recovered and
// logged so the remaining handlers still run.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names one kind of event on the bus.
type Type string

const (
	TypeInitialized    Type = "initialized"
	TypeStarted        Type = "started"
	TypeStopped        Type = "stopped"
	TypeError          Type = "error"
	TypeConfigReloaded Type = "config:reloaded"

	TypeAgentStarted Type = "agent:started"
	TypeAgentStopped Type = "agent:stopped"

	TypeScheduleTriggered Type = "schedule:triggered"
	TypeScheduleSkipped   Type = "schedule:skipped"

	TypeJobCreated   Type = "job:created"
	TypeJobOutput    Type = "job:output"
	TypeJobCompleted Type = "job:completed"
	TypeJobFailed    Type = "job:failed"
	TypeJobCancelled Type = "job:cancelled"
	TypeJobForked    Type = "job:forked"
	TypeJobQueued    Type = "job:queued"

	TypeCapacityAvailable Type = "capacity:available"

	// Legacy event names kept for subscribers written against the old
	// schedule pipeline. Emitted alongside their modern counterparts.
	TypeLegacyScheduleTrigger  Type = "schedule:trigger"
	TypeLegacyScheduleComplete Type = "schedule:complete"
	TypeLegacyScheduleError    Type = "schedule:error"
)

// Event is one occurrence delivered to subscribers.
type Event struct {
	Type    Type
	Time    time.Time
	Payload any
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a registry of handlers keyed by event type.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Type][]subscription
	all    []subscription
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[Type][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type. The returned func
// removes the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(t Type, h Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == id {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to all matching handlers in registration order.
func (b *Bus) Emit(t Type, payload any) {
	ev := Event{Type: t, Time: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	typed := make([]subscription, len(b.subs[t]))
	copy(typed, b.subs[t])
	wild := make([]subscription, len(b.all))
	copy(wild, b.all)
	b.mu.RUnlock()

	for _, s := range typed {
		b.deliver(s, ev)
	}
	for _, s := range wild {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}
