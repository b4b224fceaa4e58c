// Package waiter provides keyed readiness conditions that callers can block on
// with a bound.
package waiter

import (
	"context"
	"sync"
	"time"
)

// Table tracks which keys are satisfied and who is waiting for the rest.
type Table struct {
	mu        sync.Mutex
	satisfied map[string]bool
	waiters   map[string]map[uint64]*future
	seq       uint64
}

// future resolves exactly once.
type future struct {
	once sync.Once
	ch   chan bool
}

func newFuture() *future {
	return &future{ch: make(chan bool, 1)}
}

func (f *future) resolve(v bool) {
	f.once.Do(func() { f.ch <- v })
}

// New returns an empty table.
func New() *Table {
	return &Table{
		satisfied: make(map[string]bool),
		waiters:   make(map[string]map[uint64]*future),
	}
}

// WaitFor reports whether key became satisfied within timeout. It returns
// immediately when key is already satisfied. A waiter that times out or is
// cancelled removes only itself.
func (t *Table) WaitFor(ctx context.Context, key string, timeout time.Duration) bool {
	t.mu.Lock()
	if t.satisfied[key] {
		t.mu.Unlock()
		return true
	}
	t.seq++
	id := t.seq
	f := newFuture()
	if t.waiters[key] == nil {
		t.waiters[key] = make(map[uint64]*future)
	}
	t.waiters[key][id] = f
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-f.ch:
		return v
	case <-timer.C:
	case <-ctx.Done():
	}

	t.mu.Lock()
	t.removeLocked(key, id)
	t.mu.Unlock()

	// Mark may have won the race; whichever resolved first is the answer.
	f.resolve(false)
	return <-f.ch
}

// Mark satisfies key and releases every waiter with true.
func (t *Table) Mark(key string) {
	t.mu.Lock()
	t.satisfied[key] = true
	pending := t.waiters[key]
	delete(t.waiters, key)
	t.mu.Unlock()

	for _, f := range pending {
		f.resolve(true)
	}
}

// Clear marks key unsatisfied. Current waiters keep waiting.
func (t *Table) Clear(key string) {
	t.mu.Lock()
	delete(t.satisfied, key)
	t.mu.Unlock()
}

// Cancel marks key unsatisfied and releases every waiter with false.
func (t *Table) Cancel(key string) {
	t.mu.Lock()
	delete(t.satisfied, key)
	pending := t.waiters[key]
	delete(t.waiters, key)
	t.mu.Unlock()

	for _, f := range pending {
		f.resolve(false)
	}
}

// Satisfied reports the current state of key.
func (t *Table) Satisfied(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.satisfied[key]
}

// Pending returns how many callers are waiting on key.
func (t *Table) Pending(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters[key])
}

func (t *Table) removeLocked(key string, id uint64) {
	set := t.waiters[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.waiters, key)
	}
}
