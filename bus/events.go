package bus

import "time"

// EventKind enumerates registration-table changes and dead letters.
type EventKind string

const (
	EventAgentRegistered   EventKind = "agent_registered"
	EventAgentUnregistered EventKind = "agent_unregistered"
	EventTopicSubscribed   EventKind = "topic_subscribed"
	EventTopicUnsubscribed EventKind = "topic_unsubscribed"
	EventStreamOpened      EventKind = "stream_opened"
	EventStreamClosed      EventKind = "stream_closed"
	EventDeadLettered      EventKind = "dead_lettered"
)

// Event is delivered to listeners after the table lock has been released.
type Event struct {
	Kind       EventKind
	AgentID    string
	Topic      string
	Stream     string
	DeadLetter *DeadLetter
	Time       time.Time
}

// EventListener receives bus events synchronously. Listeners must not block;
// hand work to a goroutine or a pool if it may.
type EventListener func(Event)

type listenerEntry struct {
	id int
	fn EventListener
}

// OnEvent registers a listener and returns a function that removes it.
func (b *AgentBus) OnEvent(l EventListener) (remove func()) {
	b.mu.Lock()
	b.listenerSeq++
	id := b.listenerSeq
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: l})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.listeners {
			if entry.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit must be called without b.mu held.
func (b *AgentBus) emit(ev Event) {
	b.mu.Lock()
	listeners := make([]EventListener, len(b.listeners))
	for i, entry := range b.listeners {
		listeners[i] = entry.fn
	}
	b.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, l := range listeners {
		l(ev)
	}
}
