package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/logger"
)

// Store is a write-behind cache over a Backend. Mutations apply in memory
// immediately and reach the backend once writes stop for the debounce delay.
type Store struct {
	backend  Backend
	debounce func(func())
	log      zerolog.Logger

	mu    sync.Mutex
	state State
	dirty bool

	saveMu sync.Mutex
}

// New wraps backend; delay <= 0 uses 50ms.
func New(backend Backend, delay time.Duration) *Store {
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &Store{
		backend:  backend,
		debounce: debounce.New(delay),
		log:      logger.For("store"),
		state:    emptyState(),
	}
}

// Open builds the backend selected by the runtime config.
func Open(ctx context.Context, rc *config.RuntimeConfig) (*Store, error) {
	if err := rc.EnsureStateDir(); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	var backend Backend
	switch rc.StoreBackend {
	case config.SQLiteStore:
		b, err := OpenSQLite(ctx, rc.StorePath())
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = NewFileBackend(rc.StorePath())
	}
	return New(backend, rc.PersistDebounce), nil
}

// Load replaces the in-memory state with what the backend holds.
func (s *Store) Load(ctx context.Context) (State, error) {
	st, err := s.backend.Load(ctx)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	s.state = st.normalize()
	s.dirty = false
	out := s.state.clone()
	s.mu.Unlock()
	return out, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// SetReady adds or removes id from the ready set.
func (s *Store) SetReady(id string, ready bool) {
	s.update(func(st *State) bool {
		idx := -1
		for i, v := range st.Ready {
			if v == id {
				idx = i
				break
			}
		}
		switch {
		case ready && idx < 0:
			st.Ready = append(st.Ready, id)
			return true
		case !ready && idx >= 0:
			st.Ready = append(st.Ready[:idx], st.Ready[idx+1:]...)
			return true
		}
		return false
	})
}

// SetName records a display name; an empty name removes it.
func (s *Store) SetName(id, name string) {
	s.update(func(st *State) bool {
		if name == "" {
			if _, ok := st.Names[id]; !ok {
				return false
			}
			delete(st.Names, id)
			return true
		}
		if st.Names[id] == name {
			return false
		}
		st.Names[id] = name
		return true
	})
}

// Forget drops every record of id.
func (s *Store) Forget(id string) {
	s.SetReady(id, false)
	s.SetName(id, "")
}

// SetPending replaces the pending confirmation.
func (s *Store) SetPending(p *Pending) {
	s.update(func(st *State) bool {
		if p == nil {
			st.Pending = nil
			return true
		}
		cp := *p
		st.Pending = &cp
		return true
	})
}

// PeekPending returns the pending confirmation without consuming it.
func (s *Store) PeekPending() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Pending == nil {
		return nil
	}
	cp := *s.state.Pending
	return &cp
}

// TakePending removes and returns the pending confirmation.
func (s *Store) TakePending() *Pending {
	s.mu.Lock()
	p := s.state.Pending
	s.state.Pending = nil
	if p != nil {
		s.dirty = true
	}
	s.mu.Unlock()
	if p != nil {
		s.schedule()
	}
	return p
}

// Flush writes pending changes synchronously.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist(ctx)
}

// Close flushes and releases the backend.
func (s *Store) Close(ctx context.Context) error {
	flushErr := s.persist(ctx)
	if err := s.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

func (s *Store) update(fn func(st *State) bool) {
	s.mu.Lock()
	changed := fn(&s.state)
	if changed {
		s.dirty = true
	}
	s.mu.Unlock()
	if changed {
		s.schedule()
	}
}

func (s *Store) schedule() {
	s.debounce(func() {
		if err := s.persist(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("❌ Failed to persist state")
		}
	})
}

func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	st := s.state.clone()
	s.dirty = false
	s.mu.Unlock()

	if err := s.backend.Save(ctx, st); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	s.log.Debug().Int("ready", len(st.Ready)).Int("names", len(st.Names)).Msg("state persisted")
	return nil
}
