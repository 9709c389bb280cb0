package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeadLetter is an envelope that could not be routed or delivered.
type DeadLetter struct {
	Envelope *Envelope `json:"envelope"`
	Reason   string    `json:"reason"`
	Route    string    `json:"route,omitempty"`
	Target   string    `json:"target,omitempty"`
	At       time.Time `json:"at"`
}

// DeadLetterLog is a bounded ring of recent dead letters plus per-reason totals.
type DeadLetterLog struct {
	mu       sync.Mutex
	ring     []DeadLetter
	next     int
	full     bool
	total    uint64
	byReason map[string]uint64
}

// NewDeadLetterLog creates a log retaining the last capacity entries.
func NewDeadLetterLog(capacity int) *DeadLetterLog {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetterLog{
		ring:     make([]DeadLetter, capacity),
		byReason: make(map[string]uint64),
	}
}

// Append records dl, evicting the oldest entry when full.
func (l *DeadLetterLog) Append(dl DeadLetter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = dl
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.total++
	l.byReason[dl.Reason]++
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all retained.
func (l *DeadLetterLog) Recent(limit int) []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []DeadLetter
	if l.full {
		ordered = append(ordered, l.ring[l.next:]...)
	}
	ordered = append(ordered, l.ring[:l.next]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]DeadLetter, len(ordered))
	copy(out, ordered)
	return out
}

// Total returns how many dead letters were ever recorded.
func (l *DeadLetterLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Counts returns totals per reason.
func (l *DeadLetterLog) Counts() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.byReason))
	for k, v := range l.byReason {
		out[k] = v
	}
	return out
}

// Reasons returns the reasons seen so far, sorted.
func (l *DeadLetterLog) Reasons() []string {
	counts := l.Counts()
	out := make([]string, 0, len(counts))
	for r := range counts {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// DeadLetter records env as undeliverable. The stored copy carries the reason
// headers; it is appended to the log, announced to listeners, and published on
// the dead-letter topic when one is configured. Only publishing can suspend,
// and it honours ctx.
func (b *AgentBus) DeadLetter(ctx context.Context, env *Envelope, reason, route, target string) (DeadLetter, error) {
	c := env.Clone()
	c.WithHeader(HeaderDeadLetterReason, reason)
	if route != "" {
		c.WithHeader(HeaderDeadLetterRoute, route)
	}
	if target != "" {
		c.WithHeader(HeaderDeadLetterFrom, target)
	}

	dl := DeadLetter{Envelope: c, Reason: reason, Route: route, Target: target, At: time.Now()}
	b.deadLetters.Append(dl)
	b.metrics.deadLetters.Add(1)
	b.logger.Debug("envelope dead-lettered",
		zap.String("envelope_id", c.ID),
		zap.String("type", c.Type),
		zap.String("reason", reason),
		zap.String("target", target),
	)
	b.emit(Event{Kind: EventDeadLettered, DeadLetter: &dl})

	if b.deadLetterTopic == "" {
		return dl, nil
	}
	return dl, b.Publish(ctx, b.deadLetterTopic, c)
}

// DeadLetters exposes the dead-letter log.
func (b *AgentBus) DeadLetters() *DeadLetterLog { return b.deadLetters }

// DeadLetterTopic returns the topic dead letters are published on ("" when disabled).
func (b *AgentBus) DeadLetterTopic() string { return b.deadLetterTopic }
