package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCheckpointNotFound is returned by Checkpointer.Load for unknown runs.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint captures a run between two node invocations. Next is the node
// that will run when the run resumes.
type Checkpoint struct {
	Graph     string         `json:"graph"`
	RunID     string         `json:"run_id"`
	Step      int            `json:"step"`
	Node      string         `json:"node"`
	Next      string         `json:"next"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// Checkpointer is the narrow store interface the executor saves progress to.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryCheckpointer keeps the latest checkpoint per run in memory.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	entries map[string]Checkpoint
}

// NewMemoryCheckpointer creates an empty in-memory store.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{entries: make(map[string]Checkpoint)}
}

// Save implements Checkpointer.
func (m *MemoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	cp.State = cloneValue(cp.State).(map[string]any)
	m.mu.Lock()
	m.entries[cp.RunID] = cp
	m.mu.Unlock()
	return nil
}

// Load implements Checkpointer.
func (m *MemoryCheckpointer) Load(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.entries[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cp.State = cloneValue(cp.State).(map[string]any)
	return &cp, nil
}

// Delete implements Checkpointer.
func (m *MemoryCheckpointer) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.entries, runID)
	m.mu.Unlock()
	return nil
}
