// Package relay routes messages between the single owning connection of each
// session and any number of mirror connections.
package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
)

var (
	ErrDuplicateRequest = errors.New("relay: snapshot request id already pending")
	ErrUnknownMirror    = errors.New("relay: unknown mirror")
)

// Conn is anything the router can deliver messages to.
type Conn interface {
	ID() string
	Send(msg protocol.Message) error
}

type ownerSlot struct {
	conn Conn
	seq  uint64
}

type mirrorSlot struct {
	conn      Conn
	selection string
}

type pendingSnapshot struct {
	mirrorID string
	session  string
	created  time.Time
}

// Router holds the owner table, mirror selections and pending snapshot
// requests. Deliveries happen outside the lock.
type Router struct {
	mu      sync.Mutex
	owners  map[string]*ownerSlot
	seq     uint64
	mirrors map[string]*mirrorSlot
	pending map[string]*pendingSnapshot
	log     zerolog.Logger
}

// New returns an empty router.
func New() *Router {
	return &Router{
		owners:  make(map[string]*ownerSlot),
		mirrors: make(map[string]*mirrorSlot),
		pending: make(map[string]*pendingSnapshot),
		log:     logger.For("relay"),
	}
}

// RegisterOwner installs c as the owner of session, replacing and returning
// any previous owner.
func (r *Router) RegisterOwner(session string, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev Conn
	if slot, ok := r.owners[session]; ok && slot.conn != c {
		prev = slot.conn
	}
	r.seq++
	r.owners[session] = &ownerSlot{conn: c, seq: r.seq}
	return prev
}

// UnregisterOwner removes c if it is still the owner of session.
func (r *Router) UnregisterOwner(session string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.owners[session]
	if !ok || (c != nil && slot.conn != c) {
		return false
	}
	delete(r.owners, session)
	return true
}

// Owner returns the owning connection for session.
func (r *Router) Owner(session string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.owners[session]
	if !ok {
		return nil, false
	}
	return slot.conn, true
}

// Owners returns every session with an owner, earliest registration first.
func (r *Router) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownersLocked()
}

func (r *Router) ownersLocked() []string {
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.owners[ids[i]].seq < r.owners[ids[j]].seq })
	return ids
}

// AddMirror registers a mirror with no selection.
func (r *Router) AddMirror(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrors[c.ID()] = &mirrorSlot{conn: c}
}

// RemoveMirror drops the mirror and every snapshot it is waiting for.
func (r *Router) RemoveMirror(mirrorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mirrors, mirrorID)
	for id, p := range r.pending {
		if p.mirrorID == mirrorID {
			delete(r.pending, id)
		}
	}
}

// Select changes what a mirror observes and returns the previous selection.
// An empty session clears it.
func (r *Router) Select(mirrorID, session string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mirrors[mirrorID]
	if !ok {
		return "", ErrUnknownMirror
	}
	prev := m.selection
	m.selection = session
	return prev, nil
}

// Selection returns a mirror's current selection.
func (r *Router) Selection(mirrorID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mirrors[mirrorID]; ok {
		return m.selection
	}
	return ""
}

// Selecting returns the ids of mirrors observing session.
func (r *Router) Selecting(session string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, m := range r.mirrors {
		if m.selection == session {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResolveTarget picks the session that should receive keystrokes: the
// explicit target, else the mirror's selection, else the active session,
// else the earliest-registered ready owner, else the earliest-registered
// owner. Only sessions with an owner qualify. ok is false when nothing
// qualifies and the caller should create a session.
func (r *Router) ResolveTarget(explicit, mirrorID, active string, isReady func(string) bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := []string{explicit}
	if m, ok := r.mirrors[mirrorID]; ok {
		candidates = append(candidates, m.selection)
	}
	candidates = append(candidates, active)

	for _, id := range candidates {
		if id == "" {
			continue
		}
		if _, ok := r.owners[id]; ok {
			return id, true
		}
	}

	owners := r.ownersLocked()
	if isReady != nil {
		for _, id := range owners {
			if isReady(id) {
				return id, true
			}
		}
	}
	if len(owners) > 0 {
		return owners[0], true
	}
	return "", false
}

// Broadcast delivers msg to every mirror currently selecting session and
// returns how many received it.
func (r *Router) Broadcast(session string, msg protocol.Message) int {
	r.mu.Lock()
	var targets []Conn
	for _, m := range r.mirrors {
		if m.selection == session {
			targets = append(targets, m.conn)
		}
	}
	r.mu.Unlock()

	if msg.Session == "" {
		msg.Session = session
	}
	return r.deliver(targets, msg)
}

// BroadcastAll delivers msg to every mirror.
func (r *Router) BroadcastAll(msg protocol.Message) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.mirrors))
	for _, m := range r.mirrors {
		targets = append(targets, m.conn)
	}
	r.mu.Unlock()
	return r.deliver(targets, msg)
}

// SendToMirror delivers msg to one mirror.
func (r *Router) SendToMirror(mirrorID string, msg protocol.Message) error {
	r.mu.Lock()
	m, ok := r.mirrors[mirrorID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownMirror
	}
	return m.conn.Send(msg)
}

func (r *Router) deliver(targets []Conn, msg protocol.Message) int {
	sent := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			r.log.Debug().Err(err).Str("conn", c.ID()).Str("type", msg.Type).Msg("mirror send failed")
			continue
		}
		sent++
	}
	return sent
}

// TrackSnapshot records a pending snapshot request.
func (r *Router) TrackSnapshot(requestID, mirrorID, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[requestID]; exists {
		return ErrDuplicateRequest
	}
	r.pending[requestID] = &pendingSnapshot{mirrorID: mirrorID, session: session, created: time.Now()}
	return nil
}

// CompleteSnapshot forwards an owner's reply to the mirror that asked for
// it. Replies for unknown request ids are dropped and false is returned.
func (r *Router) CompleteSnapshot(reply protocol.Message) bool {
	r.mu.Lock()
	p, ok := r.pending[reply.RequestID]
	if ok {
		delete(r.pending, reply.RequestID)
	}
	var target Conn
	if ok {
		if m, exists := r.mirrors[p.mirrorID]; exists {
			target = m.conn
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug().Str("requestId", reply.RequestID).Msg("dropping stale snapshot reply")
		return false
	}
	if target == nil {
		return false
	}
	reply.Type = protocol.TypeSnapshot
	if reply.Session == "" {
		reply.Session = p.session
	}
	if err := target.Send(reply); err != nil {
		r.log.Debug().Err(err).Str("requestId", reply.RequestID).Msg("snapshot delivery failed")
		return false
	}
	return true
}

// FailSnapshot answers a pending request with an error. It is a no-op when
// the request was already answered.
func (r *Router) FailSnapshot(requestID, reason string) bool {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.CompleteSnapshot(protocol.Message{
		Type:      protocol.TypeSnapshot,
		Session:   p.session,
		RequestID: requestID,
		Error:     reason,
	})
}

// FailSession fails every pending snapshot for session and returns how many
// were failed.
func (r *Router) FailSession(session, reason string) int {
	r.mu.Lock()
	var ids []string
	for id, p := range r.pending {
		if p.session == session {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	failed := 0
	for _, id := range ids {
		if r.FailSnapshot(id, reason) {
			failed++
		}
	}
	return failed
}

// PendingSnapshots returns how many snapshot requests are in flight.
func (r *Router) PendingSnapshots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
