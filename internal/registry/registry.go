// Package registry is the source of truth for which sessions exist, their
// display names and readiness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/store"
)

var ErrNotFound = errors.New("registry: session not found")

// DefaultLabel names a session that has no display name.
const DefaultLabel = "Terminal"

type entry struct {
	id        string
	name      string
	windowRef string
	ready     bool
	connected bool
	// wasReady is the persisted hint loaded at startup.
	wasReady bool
	seq      uint64
}

// Registry maps session id to metadata. Ready flags and names are written
// through to the store so they survive a broker restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
	active  string
	store   *store.Store
	log     zerolog.Logger
}

// New creates an empty registry. st may be nil for an in-memory registry.
func New(st *store.Store) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   st,
		log:     logger.For("registry"),
	}
}

// Load seeds the registry from persisted state. Loaded entries are not
// connected and stay untrusted until the next Reconcile.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	st, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	ids := make(map[string]struct{})
	for _, id := range st.Ready {
		ids[id] = struct{}{}
	}
	for id := range st.Names {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	ready := make(map[string]bool, len(st.Ready))
	for _, id := range st.Ready {
		ready[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sorted {
		e := r.ensureLocked(id)
		e.name = st.Names[id]
		e.wasReady = ready[id]
	}
	r.log.Info().Int("sessions", len(sorted)).Msg("📋 Loaded persisted sessions")
	return nil
}

func (r *Registry) ensureLocked(id string) *entry {
	e, ok := r.entries[id]
	if !ok {
		r.seq++
		e = &entry{id: id, seq: r.seq}
		r.entries[id] = e
	}
	return e
}

// Register records that an owning connection is present for id.
func (r *Registry) Register(id, windowRef string) {
	r.mu.Lock()
	e := r.ensureLocked(id)
	e.connected = true
	if windowRef != "" {
		e.windowRef = windowRef
	}
	r.mu.Unlock()
	r.log.Debug().Str("session", id).Msg("registered")
}

// Unregister marks the owner gone. The name is kept so a returning owner
// gets its label back.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.connected = false
	e.ready = false
	e.wasReady = false
	r.mu.Unlock()

	r.persistReady(id, false)
	return nil
}

// Forget removes every trace of id.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	if r.active == id {
		r.active = ""
	}
	r.mu.Unlock()

	if r.store != nil {
		r.store.Forget(id)
	}
}

// MarkReady records that the owning view for id is ready.
func (r *Registry) MarkReady(id string) {
	r.mu.Lock()
	e := r.ensureLocked(id)
	e.ready = true
	e.wasReady = true
	r.mu.Unlock()

	r.persistReady(id, true)
}

// MarkNotReady clears the ready flag without dropping the owner.
func (r *Registry) MarkNotReady(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.ready = false
	}
	r.mu.Unlock()
	if ok {
		r.persistReady(id, false)
	}
}

// IsReady reports the live ready flag.
func (r *Registry) IsReady(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.ready
}

// WasReady reports the persisted ready hint from before a restart.
func (r *Registry) WasReady(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.wasReady
}

// IsConnected reports whether an owner is registered for id.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.connected
}

// Has reports whether id is known at all.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Rename sets the display name. Whitespace is trimmed; empty clears it.
func (r *Registry) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.name = name
	r.mu.Unlock()

	if r.store != nil {
		r.store.SetName(id, name)
	}
	r.log.Info().Str("session", id).Str("name", name).Msg("✏️ Renamed session")
	return nil
}

// Name returns the display name of id.
func (r *Registry) Name(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.name
	}
	return ""
}

// SetActive records the foreground session. Unknown ids are ignored.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.active = ""
		return
	}
	if _, ok := r.entries[id]; ok {
		r.active = id
	}
}

// Active returns the foreground session, or "".
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Get returns one session row.
func (r *Registry) Get(id string) (protocol.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return protocol.SessionInfo{}, ErrNotFound
	}
	return r.infoLocked(e), nil
}

// List returns every known session in registration order.
func (r *Registry) List() []protocol.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.orderedLocked()
	out := make([]protocol.SessionInfo, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, r.infoLocked(e))
	}
	return out
}

// Known returns every known id in registration order.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.orderedLocked()
	ids := make([]string, 0, len(ordered))
	for _, e := range ordered {
		ids = append(ids, e.id)
	}
	return ids
}

// Reconcile drops every entry whose id is not in alive and returns the
// dropped ids. Entries registered since alive was taken are connected and
// kept.
func (r *Registry) Reconcile(alive map[string]bool) []string {
	r.mu.Lock()
	var dropped []string
	for _, e := range r.orderedLocked() {
		if alive[e.id] || e.connected {
			continue
		}
		delete(r.entries, e.id)
		if r.active == e.id {
			r.active = ""
		}
		dropped = append(dropped, e.id)
	}
	r.mu.Unlock()

	if r.store != nil {
		for _, id := range dropped {
			r.store.Forget(id)
		}
	}
	if len(dropped) > 0 {
		r.log.Info().Strs("sessions", dropped).Msg("🧹 Reconciled stale sessions")
	}
	return dropped
}

func (r *Registry) orderedLocked() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) infoLocked(e *entry) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:        e.id,
		Name:      e.name,
		Label:     Label(e.id, e.name),
		Ready:     e.ready,
		Active:    r.active == e.id,
		WindowRef: e.windowRef,
	}
}

func (r *Registry) persistReady(id string, ready bool) {
	if r.store != nil {
		r.store.SetReady(id, ready)
	}
}

// Label derives the display label: the name (or DefaultLabel) plus the id.
func Label(id, name string) string {
	if name == "" {
		name = DefaultLabel
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
