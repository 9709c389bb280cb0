package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the inbox / stream consumer buffer size.
	DefaultCapacity = 256
	// DefaultDeadLetterCapacity is how many dead letters the in-memory log retains.
	DefaultDeadLetterCapacity = 1024
)

// Config configures an AgentBus.
type Config struct {
	Capacity           int    `yaml:"capacity" json:"capacity"`
	DeadLetterCapacity int    `yaml:"dead_letter_capacity" json:"dead_letter_capacity"`
	DeadLetterTopic    string `yaml:"dead_letter_topic" json:"dead_letter_topic"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           DefaultCapacity,
		DeadLetterCapacity: DefaultDeadLetterCapacity,
		DeadLetterTopic:    "deadletter",
	}
}

// AgentBus moves envelopes between registered agents, topic subscribers and
// stream consumers over bounded channels.
//
// Lock discipline: b.mu guards the registration tables only. Every method
// copies the channel handles it needs, releases b.mu, and only then performs
// a send that may suspend. Registration therefore never waits on a slow consumer.
type AgentBus struct {
	mu          sync.Mutex
	agents      map[string]*Inbox
	topics      map[string]map[string]struct{}
	streams     map[string]*streamState
	listeners   []listenerEntry
	listenerSeq int

	capacity        int
	deadLetterTopic string
	deadLetters     *DeadLetterLog
	metrics         Metrics
	closed          chan struct{}
	closeOnce       sync.Once
	logger          *zap.Logger
}

// New creates a bus. Zero config values fall back to defaults.
func New(cfg Config, logger *zap.Logger) *AgentBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &AgentBus{
		agents:          make(map[string]*Inbox),
		topics:          make(map[string]map[string]struct{}),
		streams:         make(map[string]*streamState),
		capacity:        cfg.Capacity,
		deadLetterTopic: cfg.DeadLetterTopic,
		deadLetters:     NewDeadLetterLog(cfg.DeadLetterCapacity),
		closed:          make(chan struct{}),
		logger:          logger.With(zap.String("component", "agent_bus")),
	}
}

// Capacity returns the per-channel buffer size.
func (b *AgentBus) Capacity() int { return b.capacity }

// Metrics returns a snapshot of the bus counters.
func (b *AgentBus) Metrics() MetricsSnapshot { return b.metrics.Snapshot() }

// Close releases every blocked sender with ErrBusClosed. Registered inboxes
// stay readable so consumers can drain them.
func (b *AgentBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.logger.Info("agent bus closed")
	})
}

// Closed reports whether Close has been called.
func (b *AgentBus) Closed() bool { return b.isClosed() }

func (b *AgentBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Inbox
// =============================================================================

// Inbox is the inbound handle of a registered agent. The data channel is never
// closed; Done is closed when the agent is unregistered.
type Inbox struct {
	id   string
	ch   chan *Envelope
	done chan struct{}
	bus  *AgentBus
}

// ID returns the agent id.
func (i *Inbox) ID() string { return i.id }

// C exposes the channel for select loops. Call MarkReceived for metrics when
// reading from it directly.
func (i *Inbox) C() <-chan *Envelope { return i.ch }

// Done is closed when the agent is unregistered.
func (i *Inbox) Done() <-chan struct{} { return i.done }

// Len returns the number of queued envelopes.
func (i *Inbox) Len() int { return len(i.ch) }

// MarkReceived counts an envelope read directly from C.
func (i *Inbox) MarkReceived() { i.bus.metrics.received.Add(1) }

// Receive waits for the next envelope. Queued envelopes are still returned
// after unregistration; once drained it returns ErrAgentNotRegistered.
func (i *Inbox) Receive(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-i.ch:
		i.MarkReceived()
		return env, nil
	default:
	}
	select {
	case env := <-i.ch:
		i.MarkReceived()
		return env, nil
	case <-i.done:
		select {
		case env := <-i.ch:
			i.MarkReceived()
			return env, nil
		default:
			return nil, ErrAgentNotRegistered
		}
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

// TryReceive returns a queued envelope without waiting.
func (i *Inbox) TryReceive() (*Envelope, bool) {
	select {
	case env := <-i.ch:
		i.MarkReceived()
		return env, true
	default:
		return nil, false
	}
}

// =============================================================================
// Registration
// =============================================================================

// RegisterAgent creates the agent's bounded inbox.
func (b *AgentBus) RegisterAgent(id string) (*Inbox, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidID
	}
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	b.mu.Lock()
	if _, exists := b.agents[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("agent %q: %w", id, ErrAlreadyRegistered)
	}
	inbox := &Inbox{
		id:   id,
		ch:   make(chan *Envelope, b.capacity),
		done: make(chan struct{}),
		bus:  b,
	}
	b.agents[id] = inbox
	b.mu.Unlock()

	b.logger.Debug("agent registered", zap.String("agent_id", id))
	b.emit(Event{Kind: EventAgentRegistered, AgentID: id})
	return inbox, nil
}

// UnregisterAgent removes the agent and its topic subscriptions. Senders blocked
// on its inbox are released with ErrAgentNotRegistered.
func (b *AgentBus) UnregisterAgent(id string) error {
	b.mu.Lock()
	inbox, exists := b.agents[id]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("agent %q: %w", id, ErrAgentNotRegistered)
	}
	delete(b.agents, id)
	for topic, subs := range b.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	close(inbox.done)
	b.mu.Unlock()

	b.logger.Debug("agent unregistered", zap.String("agent_id", id))
	b.emit(Event{Kind: EventAgentUnregistered, AgentID: id})
	return nil
}

// IsRegistered reports whether id has an inbox.
func (b *AgentBus) IsRegistered(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.agents[id]
	return ok
}

// Agents lists registered agent ids, sorted.
func (b *AgentBus) Agents() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// =============================================================================
// Point-to-point
// =============================================================================

// SendTo delivers env to a registered agent, suspending while its inbox is full.
// Ownership of env passes to the receiver.
func (b *AgentBus) SendTo(ctx context.Context, id string, env *Envelope) error {
	b.mu.Lock()
	inbox, ok := b.agents[id]
	b.mu.Unlock()

	if !ok {
		b.metrics.sendErrors.Add(1)
		return sendErr("send_to", id, ErrAgentNotRegistered)
	}
	if err := b.deliver(ctx, inbox.ch, inbox.done, env); err != nil {
		return sendErr("send_to", id, err)
	}
	return nil
}

// deliver is the single suspension point of the bus. Callers hold no lock.
func (b *AgentBus) deliver(ctx context.Context, ch chan<- *Envelope, done <-chan struct{}, env *Envelope) error {
	select {
	case <-done:
		b.metrics.sendErrors.Add(1)
		return ErrAgentNotRegistered
	default:
	}

	select {
	case ch <- env:
		b.metrics.sent.Add(1)
		return nil
	default:
	}

	b.metrics.backpressure.Add(1)
	select {
	case ch <- env:
		b.metrics.sent.Add(1)
		return nil
	case <-done:
		b.metrics.sendErrors.Add(1)
		return ErrAgentNotRegistered
	case <-b.closed:
		b.metrics.sendErrors.Add(1)
		return ErrBusClosed
	case <-ctx.Done():
		b.metrics.cancelled.Add(1)
		return cancelled(ctx.Err())
	}
}

// =============================================================================
// Topics
// =============================================================================

// SubscribeTopic subscribes a registered agent. Repeated calls for the same
// pair are no-ops.
func (b *AgentBus) SubscribeTopic(topic, id string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidID
	}

	b.mu.Lock()
	if _, ok := b.agents[id]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %q to %q: %w", id, topic, ErrAgentNotRegistered)
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	_, already := subs[id]
	subs[id] = struct{}{}
	b.mu.Unlock()

	if !already {
		b.emit(Event{Kind: EventTopicSubscribed, AgentID: id, Topic: topic})
	}
	return nil
}

// UnsubscribeTopic removes the pair. Unknown pairs are ignored.
func (b *AgentBus) UnsubscribeTopic(topic, id string) {
	b.mu.Lock()
	subs, ok := b.topics[topic]
	_, present := subs[id]
	if ok && present {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	if present {
		b.emit(Event{Kind: EventTopicUnsubscribed, AgentID: id, Topic: topic})
	}
}

// Subscribers lists the agents subscribed to topic, sorted.
func (b *AgentBus) Subscribers(topic string) []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Topics lists topics with at least one subscriber, sorted.
func (b *AgentBus) Topics() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

type target struct {
	id   string
	ch   chan<- *Envelope
	done <-chan struct{}
}

// Publish delivers a copy of env to every subscriber of topic, in subscriber-id
// order. A topic without subscribers is not an error. Subscribers unregistered
// mid-publish are skipped; cancellation stops the fan-out.
func (b *AgentBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	b.mu.Lock()
	targets := make([]target, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		if inbox, ok := b.agents[id]; ok {
			targets = append(targets, target{id: id, ch: inbox.ch, done: inbox.done})
		}
	}
	b.mu.Unlock()

	b.metrics.published.Add(1)
	return b.fanOut(ctx, "publish", topic, targets, env)
}

// Broadcast delivers a copy of env to every registered agent except its sender.
func (b *AgentBus) Broadcast(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	targets := make([]target, 0, len(b.agents))
	for id, inbox := range b.agents {
		if id == env.Sender {
			continue
		}
		targets = append(targets, target{id: id, ch: inbox.ch, done: inbox.done})
	}
	b.mu.Unlock()

	return b.fanOut(ctx, "broadcast", "*", targets, env)
}

func (b *AgentBus) fanOut(ctx context.Context, op, name string, targets []target, env *Envelope) error {
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, t := range targets {
		err := b.deliver(ctx, t.ch, t.done, env.Clone())
		switch {
		case err == nil:
		case errors.Is(err, ErrAgentNotRegistered):
			b.logger.Debug("subscriber left during fan-out",
				zap.String("op", op),
				zap.String("name", name),
				zap.String("agent_id", t.id),
			)
		default:
			return sendErr(op, name, err)
		}
	}
	return nil
}
