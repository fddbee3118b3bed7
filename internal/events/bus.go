package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/model"
)

// EventType names something the gate engine did.
type EventType string

const (
	EventGateChecked          EventType = "gate_checked"
	EventVerdictReported      EventType = "verdict_reported"
	EventRetryRecorded        EventType = "retry_recorded"
	EventRetryReset           EventType = "retry_reset"
	EventEscalationExhausted  EventType = "escalation_exhausted"
	EventDriftRecorded        EventType = "drift_recorded"
	EventDriftReset           EventType = "drift_reset"
	EventBacktrackRecommended EventType = "backtrack_recommended"
	EventCheckpointCleared    EventType = "checkpoint_cleared"
	EventUnitCompleted        EventType = "unit_completed"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Key       model.WorkUnitKey
	Data      map[string]any
}

// Subscriber receives events.
type Subscriber func(Event)

// Publisher is the side of the bus the engine depends on.
type Publisher interface {
	Publish(eventType EventType, key model.WorkUnitKey, data map[string]any)
}

type subscription struct {
	fn Subscriber
}

// Bus fans events out to subscribers synchronously, in subscription order,
// so every event is handled before the invocation exits. A panicking
// subscriber is logged and skipped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	all         []*subscription
	logger      *zap.Logger
	now         func() time.Time
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = remove(b.subscribers[eventType], sub)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{fn: fn}
	b.all = append(b.all, sub)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, sub)
	}
}

func remove(subs []*subscription, target *subscription) []*subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func (b *Bus) Publish(eventType EventType, key model.WorkUnitKey, data map[string]any) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subscribers[eventType])+len(b.all))
	targets = append(targets, b.subscribers[eventType]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.now(),
		Key:       key,
		Data:      data,
	}
	for _, sub := range targets {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event_type", string(event.Type)), zap.Any("panic", r))
		}
	}()
	sub.fn(event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(EventType, model.WorkUnitKey, map[string]any) {}
