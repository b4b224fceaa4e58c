package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vanpelt/rit/internal/gate"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/recovery"
	"github.com/vanpelt/rit/internal/registry"
	"github.com/vanpelt/rit/internal/store"
)

// List returns every known session in registration order.
func (b *Broker) List() []protocol.SessionInfo {
	return b.registry.List()
}

// ForwardStdin delivers keystrokes from a mirror (or any client when
// mirrorID is empty) to the resolved session and returns its id. It shares
// the session's inject lock so keystrokes and injections never interleave.
func (b *Broker) ForwardStdin(ctx context.Context, mirrorID, target string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	id, err := b.resolve(ctx, target, mirrorID)
	if err != nil {
		return "", err
	}

	lock := b.injectLock(id)
	lock.Lock()
	defer lock.Unlock()
	return id, b.deliver(ctx, id, protocol.Message{Type: protocol.TypeStdin, Data: data})
}

// Inject sends text to target, or to the session the routing policy picks
// when target is empty. Injections for one session are serialized, and a
// session that only just became ready gets InjectGrace to draw its prompt.
func (b *Broker) Inject(ctx context.Context, target, text string) (string, error) {
	id, err := b.resolve(ctx, target, "")
	if err != nil {
		return "", err
	}

	lock := b.injectLock(id)
	lock.Lock()
	defer lock.Unlock()

	wasReady := b.views.Satisfied(id)
	if !b.waitOwner(ctx, id) {
		return id, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if !wasReady {
		select {
		case <-time.After(b.opts.InjectGrace):
		case <-ctx.Done():
			return id, ctx.Err()
		}
	}

	owner, ok := b.router.Owner(id)
	if !ok {
		return id, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if err := owner.Send(protocol.Message{Type: protocol.TypeInject, Session: id, Text: text}); err != nil {
		return id, fmt.Errorf("inject into %s: %w", id, err)
	}
	b.log.Debug().Str("session", id).Int("bytes", len(text)).Msg("injected")
	return id, nil
}

// Run passes a snippet through the dangerous-command gate.
func (b *Broker) Run(ctx context.Context, target, snippet string) (gate.Outcome, error) {
	return b.gate.Submit(ctx, target, snippet)
}

// Confirm resolves the pending dangerous snippet with proceed or cancel.
func (b *Broker) Confirm(ctx context.Context, choice string) (gate.Outcome, error) {
	return b.gate.Decide(ctx, choice)
}

// PendingConfirmation returns the parked snippet, if any.
func (b *Broker) PendingConfirmation() *store.Pending {
	return b.gate.Pending()
}

// RequestSnapshot records a snapshot request for mirrorID and asks the
// owner for its screen. The reply, or an error, reaches the mirror
// asynchronously; the wait for the owner and the reply are both bounded.
func (b *Broker) RequestSnapshot(mirrorID, session, requestID string) error {
	if session == "" {
		session = b.router.Selection(mirrorID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if session == "" {
		_ = b.router.SendToMirror(mirrorID, protocol.Message{
			Type:      protocol.TypeSnapshot,
			RequestID: requestID,
			Error:     "no session selected",
		})
		return ErrNotReady
	}
	if err := b.router.TrackSnapshot(requestID, mirrorID, session); err != nil {
		return err
	}

	recovery.SafeGo("broker-snapshot", func() {
		if !b.waitOwner(b.ctx, session) {
			b.router.FailSnapshot(requestID, "not ready")
			return
		}
		owner, ok := b.router.Owner(session)
		if !ok {
			b.router.FailSnapshot(requestID, "not ready")
			return
		}

		timer := time.AfterFunc(b.opts.WaitTimeout, func() {
			if b.router.FailSnapshot(requestID, "snapshot timed out") {
				b.log.Warn().Str("session", session).Str("requestId", requestID).Msg("⚠️ Snapshot reply timed out")
			}
		})
		if err := owner.Send(protocol.Message{Type: protocol.TypeSnapshotRequest, Session: session, RequestID: requestID}); err != nil {
			timer.Stop()
			b.router.FailSnapshot(requestID, err.Error())
		}
	})
	return nil
}

// Select changes what a mirror observes; an empty session clears it.
func (b *Broker) Select(mirrorID, session string) error {
	prev, err := b.router.Select(mirrorID, session)
	if err != nil {
		return err
	}
	if prev != session {
		b.log.Debug().Str("mirror", mirrorID).Str("from", prev).Str("to", session).Msg("mirror selection changed")
	}
	return nil
}

// Rename sets a session's display name, pushes the title to the owner and
// tells every mirror selecting it to reset and re-snapshot.
func (b *Broker) Rename(id, name string) error {
	if err := b.registry.Rename(id, name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
		return err
	}
	name = strings.TrimSpace(name)

	for _, mirrorID := range b.router.Selecting(id) {
		_ = b.router.SendToMirror(mirrorID, protocol.Message{Type: protocol.TypeReset, Session: id})
	}
	if owner, ok := b.router.Owner(id); ok {
		if err := owner.Send(protocol.Message{Type: protocol.TypeSetName, Session: id, Name: name}); err != nil {
			b.log.Debug().Err(err).Str("session", id).Msg("setName failed")
		}
	}
	b.notify()
	return nil
}

// CreateBackground spawns a new session and waits for its owner to connect.
func (b *Broker) CreateBackground(ctx context.Context) (string, error) {
	if b.closing.Load() {
		return "", ErrShuttingDown
	}
	spawner := b.opts.Spawner
	if spawner == nil {
		return "", ErrNoSpawner
	}
	id := uuid.NewString()
	if err := spawner.SpawnBackground(ctx, id); err != nil {
		b.log.Error().Err(err).Msg("❌ Failed to create session")
		return "", fmt.Errorf("create session: %w", err)
	}
	if !b.transports.WaitFor(ctx, id, b.opts.WaitTimeout) {
		return id, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	b.log.Info().Str("session", id).Msg("🆕 Created background session")
	return id, nil
}

// CloseSession closes the session's shell; the session itself stays and
// the next input reopens it.
func (b *Broker) CloseSession(id string) error {
	owner, ok := b.router.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return owner.Send(protocol.Message{Type: protocol.TypeHostClose, Session: id})
}

// TerminateSession closes the session's view. A ready session with close
// protection needs force.
func (b *Broker) TerminateSession(id string, force bool) error {
	owner, ok := b.router.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	stopper, ok := owner.(Stopper)
	if !ok {
		if err := owner.Send(protocol.Message{Type: protocol.TypeHostClose, Session: id}); err != nil {
			return err
		}
		b.CloseView(owner)
		return nil
	}

	if !force && stopper.Protected() {
		return fmt.Errorf("%w: %s", ErrConfirmRequired, id)
	}
	if force {
		_ = owner.Send(protocol.Message{Type: protocol.TypeConfirmClose, Session: id})
	}
	if err := stopper.Stop(force); err != nil {
		if stopper.Protected() {
			return fmt.Errorf("%w: %s", ErrConfirmRequired, id)
		}
		return err
	}
	b.CloseView(owner)
	b.log.Info().Str("session", id).Msg("🗑️ Terminated session")
	return nil
}

// Focus makes id the active session and asks its view to come forward.
func (b *Broker) Focus(id string) error {
	owner, ok := b.router.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	b.registry.SetActive(id)
	if err := owner.Send(protocol.Message{Type: protocol.TypeFocus, Session: id}); err != nil {
		return err
	}
	b.notify()
	return nil
}

// Activate records id as the foreground session without asking its view to
// come forward; the view itself reported the focus change.
func (b *Broker) Activate(id string) {
	if b.registry.Active() == id {
		return
	}
	b.registry.SetActive(id)
	b.notify()
}

// Subscribe returns a channel that receives the session list whenever it
// changes. Only the latest list is kept for slow readers.
func (b *Broker) Subscribe() (<-chan []protocol.SessionInfo, func()) {
	ch := make(chan []protocol.SessionInfo, 1)
	ch <- b.registry.List()

	b.subMu.Lock()
	if b.closing.Load() {
		b.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subSeq++
	id := b.subSeq
	b.subs[id] = ch
	b.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.subMu.Unlock()
		})
	}
}

// resolve applies the routing policy. An explicit target is used as is so
// a stale id surfaces as not ready instead of reaching another session.
func (b *Broker) resolve(ctx context.Context, explicit, mirrorID string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if id, ok := b.router.ResolveTarget("", mirrorID, b.registry.Active(), b.registry.IsReady); ok {
		return id, nil
	}
	return b.CreateBackground(ctx)
}

// deliver waits until id has an owner whose view is ready and sends msg.
func (b *Broker) deliver(ctx context.Context, id string, msg protocol.Message) error {
	if !b.waitOwner(ctx, id) {
		return fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	owner, ok := b.router.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	msg.Session = id
	return owner.Send(msg)
}

// waitOwner blocks until both the transport and the view of id are ready,
// each bounded by WaitTimeout.
func (b *Broker) waitOwner(ctx context.Context, id string) bool {
	if !b.transports.WaitFor(ctx, id, b.opts.WaitTimeout) {
		return false
	}
	return b.views.WaitFor(ctx, id, b.opts.WaitTimeout)
}

func (b *Broker) injectLock(id string) *sync.Mutex {
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	l, ok := b.injectLocks[id]
	if !ok {
		l = &sync.Mutex{}
		b.injectLocks[id] = l
	}
	return l
}

func (b *Broker) dropInjectLock(id string) {
	b.injectMu.Lock()
	delete(b.injectLocks, id)
	b.injectMu.Unlock()
}

func (b *Broker) sessionsMessage() protocol.Message {
	return protocol.Message{Type: protocol.TypeSessionsUpdated, Sessions: b.registry.List()}
}

// notify fans the session list out to mirrors and subscribers.
func (b *Broker) notify() {
	list := b.registry.List()
	b.router.BroadcastAll(protocol.Message{Type: protocol.TypeSessionsUpdated, Sessions: list})

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}
