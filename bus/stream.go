package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// streamState is guarded by AgentBus.mu. tail is the completion signal of the
// most recent publish ticket; each publish waits on its predecessor's signal
// outside the lock, so delivery order equals sequence order.
type streamState struct {
	consumers map[string]*StreamConsumer
	seq       uint64
	tail      chan struct{}
}

func newStreamState() *streamState {
	tail := make(chan struct{})
	close(tail)
	return &streamState{consumers: make(map[string]*StreamConsumer), tail: tail}
}

// StreamConsumer receives every envelope published to a stream after it opened.
type StreamConsumer struct {
	stream string
	id     string
	ch     chan *Envelope
	done   chan struct{}
	bus    *AgentBus
}

// Stream returns the stream id.
func (c *StreamConsumer) Stream() string { return c.stream }

// ID returns the consumer id.
func (c *StreamConsumer) ID() string { return c.id }

// C exposes the channel for select loops.
func (c *StreamConsumer) C() <-chan *Envelope { return c.ch }

// Done is closed when the consumer is closed.
func (c *StreamConsumer) Done() <-chan struct{} { return c.done }

// Receive waits for the next envelope; after Close it drains then returns ErrStreamNotFound.
func (c *StreamConsumer) Receive(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.ch:
		c.bus.metrics.received.Add(1)
		return env, nil
	case <-c.done:
		select {
		case env := <-c.ch:
			c.bus.metrics.received.Add(1)
			return env, nil
		default:
			return nil, ErrStreamNotFound
		}
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

// Close detaches the consumer from its stream.
func (c *StreamConsumer) Close() {
	c.bus.CloseConsumer(c.stream, c.id)
}

// DeclareStream makes a stream known without consumers, so publishing to it
// assigns sequence numbers. Declaring twice is a no-op.
func (b *AgentBus) DeclareStream(stream string) error {
	if strings.TrimSpace(stream) == "" {
		return ErrInvalidID
	}
	b.mu.Lock()
	if _, ok := b.streams[stream]; !ok {
		b.streams[stream] = newStreamState()
	}
	b.mu.Unlock()
	return nil
}

// OpenStream attaches consumer to stream, declaring the stream if needed.
func (b *AgentBus) OpenStream(stream, consumer string) (*StreamConsumer, error) {
	if strings.TrimSpace(stream) == "" || strings.TrimSpace(consumer) == "" {
		return nil, ErrInvalidID
	}
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	b.mu.Lock()
	st, ok := b.streams[stream]
	if !ok {
		st = newStreamState()
		b.streams[stream] = st
	}
	if _, exists := st.consumers[consumer]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("stream %q consumer %q: %w", stream, consumer, ErrAlreadyRegistered)
	}
	c := &StreamConsumer{
		stream: stream,
		id:     consumer,
		ch:     make(chan *Envelope, b.capacity),
		done:   make(chan struct{}),
		bus:    b,
	}
	st.consumers[consumer] = c
	b.mu.Unlock()

	b.emit(Event{Kind: EventStreamOpened, Stream: stream, AgentID: consumer})
	return c, nil
}

// CloseConsumer detaches a consumer. The stream and its counter remain.
func (b *AgentBus) CloseConsumer(stream, consumer string) {
	b.mu.Lock()
	var c *StreamConsumer
	if st, ok := b.streams[stream]; ok {
		c = st.consumers[consumer]
		delete(st.consumers, consumer)
	}
	if c != nil {
		close(c.done)
	}
	b.mu.Unlock()

	if c != nil {
		b.emit(Event{Kind: EventStreamClosed, Stream: stream, AgentID: consumer})
	}
}

// HasStream reports whether stream is declared.
func (b *AgentBus) HasStream(stream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[stream]
	return ok
}

// StreamInfo describes a stream for inspection.
type StreamInfo struct {
	Stream    string   `json:"stream"`
	Sequence  uint64   `json:"sequence"`
	Consumers []string `json:"consumers"`
}

// Streams returns every declared stream with its current sequence counter.
func (b *AgentBus) Streams() []StreamInfo {
	b.mu.Lock()
	out := make([]StreamInfo, 0, len(b.streams))
	for name, st := range b.streams {
		info := StreamInfo{Stream: name, Sequence: st.seq, Consumers: make([]string, 0, len(st.consumers))}
		for id := range st.consumers {
			info.Consumers = append(info.Consumers, id)
		}
		sort.Strings(info.Consumers)
		out = append(out, info)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// StreamSequence returns the last sequence number assigned on stream.
func (b *AgentBus) StreamSequence(stream string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[stream]
	if !ok {
		return 0, false
	}
	return st.seq, true
}

// PublishStream assigns the next sequence number and delivers a copy to every
// active consumer. Sequence numbers are strictly increasing and each consumer
// receives them in order. A cancelled publish leaves a gap in the sequence.
func (b *AgentBus) PublishStream(ctx context.Context, stream string, env *Envelope) (uint64, error) {
	b.mu.Lock()
	st, ok := b.streams[stream]
	if !ok {
		b.mu.Unlock()
		b.metrics.sendErrors.Add(1)
		return 0, sendErr("publish_stream", stream, ErrStreamNotFound)
	}
	st.seq++
	seq := st.seq
	prev := st.tail
	mine := make(chan struct{})
	st.tail = mine
	targets := make([]target, 0, len(st.consumers))
	for id, c := range st.consumers {
		targets = append(targets, target{id: id, ch: c.ch, done: c.done})
	}
	b.mu.Unlock()

	// 等待前一个序号投递完成（不持锁）
	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			close(mine)
		}()
		b.metrics.cancelled.Add(1)
		return seq, sendErr("publish_stream", stream, cancelled(ctx.Err()))
	}
	defer close(mine)

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, t := range targets {
		c := env.Clone()
		c.StreamID = stream
		c.Sequence = seq
		err := b.deliver(ctx, t.ch, t.done, c)
		if err == nil {
			b.metrics.streamed.Add(1)
			continue
		}
		if errors.Is(err, ErrAgentNotRegistered) {
			// consumer closed mid-publish
			continue
		}
		b.logger.Debug("stream publish interrupted",
			zap.String("stream", stream),
			zap.Uint64("sequence", seq),
			zap.Error(err),
		)
		return seq, sendErr("publish_stream", stream, err)
	}
	return seq, nil
}
