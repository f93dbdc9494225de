package core

import "sync"

// EventType names what changed.
type EventType string

const (
	StateChangedEvent    EventType = "StateChanged"
	DeviceConnectedEvent EventType = "DeviceConnected"
	PatternChangedEvent  EventType = "PatternChanged"
)

// Event is a change notification. Only the field that belongs to Type is set.
type Event struct {
	Type      EventType
	State     AppState // StateChangedEvent
	Connected bool     // DeviceConnectedEvent
	Pattern   string   // PatternChangedEvent, empty when idle
}

func StateChanged(state AppState) Event {
	return Event{Type: StateChangedEvent, State: state}
}

func DeviceStatus(connected bool) Event {
	return Event{Type: DeviceConnectedEvent, Connected: connected}
}

func PatternChanged(name string) Event {
	return Event{Type: PatternChangedEvent, Pattern: name}
}

// subscriberBuffer is how many events a slow subscriber may lag behind
// before new ones are dropped for it.
const subscriberBuffer = 100

// Subscription delivers the events it was opened for on C until Close.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types []EventType
	bus   *EventBus
	once  sync.Once
}

// Close detaches the subscription. C stays open but receives nothing more.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// EventBus fans events out to subscriptions without ever blocking publishers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[EventType][]*Subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]*Subscription)}
}

// Subscribe opens a subscription for the given event types.
func (eb *EventBus) Subscribe(types ...EventType) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, types: types, bus: eb}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range types {
		eb.subs[t] = append(eb.subs[t], s)
	}
	return s
}

func (eb *EventBus) remove(s *Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range s.types {
		list := eb.subs[t]
		for i, other := range list {
			if other == s {
				eb.subs[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish hands event to every subscription of its type. A subscription whose
// buffer is full misses the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, s := range eb.subs[event.Type] {
		select {
		case s.ch <- event:
		default:
		}
	}
}
