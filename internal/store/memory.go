package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps state in process. Used when nothing should outlive
// the broker, and in tests.
type MemoryBackend struct {
	mu    sync.Mutex
	state State
	saves int
}

// NewMemoryBackend returns a backend seeded with st.
func NewMemoryBackend(st State) *MemoryBackend {
	return &MemoryBackend{state: st.normalize()}
}

func (m *MemoryBackend) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryBackend) Save(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.clone()
	m.saves++
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Saves returns how many times Save ran.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
