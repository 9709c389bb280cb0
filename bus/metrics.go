package bus

import "sync/atomic"

// Metrics are lock-free bus counters.
type Metrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	published    atomic.Uint64
	backpressure atomic.Uint64
	sendErrors   atomic.Uint64
	cancelled    atomic.Uint64
	deadLetters  atomic.Uint64
	streamed     atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Published    uint64 `json:"published"`
	Backpressure uint64 `json:"backpressure"`
	SendErrors   uint64 `json:"send_errors"`
	Cancelled    uint64 `json:"cancelled"`
	DeadLetters  uint64 `json:"dead_letters"`
	Streamed     uint64 `json:"streamed"`
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Sent:         m.sent.Load(),
		Received:     m.received.Load(),
		Published:    m.published.Load(),
		Backpressure: m.backpressure.Load(),
		SendErrors:   m.sendErrors.Load(),
		Cancelled:    m.cancelled.Load(),
		DeadLetters:  m.deadLetters.Load(),
		Streamed:     m.streamed.Load(),
	}
}
