// Package broker is the session broker: it owns the registry, the readiness
// waiters and the relay router, and exposes the message surface used by
// owners, mirrors and the HTTP API.
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/gate"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/recovery"
	"github.com/vanpelt/rit/internal/registry"
	"github.com/vanpelt/rit/internal/relay"
	"github.com/vanpelt/rit/internal/store"
	"github.com/vanpelt/rit/internal/waiter"
)

var (
	ErrNotReady        = errors.New("broker: session not ready")
	ErrUnknownSession  = errors.New("broker: unknown session")
	ErrConfirmRequired = errors.New("broker: close needs confirmation")
	ErrNoSpawner       = errors.New("broker: cannot create sessions")
	ErrShuttingDown    = errors.New("broker: shutting down")
)

// Spawner creates owners for new sessions. The owner is expected to call
// ConnectOwner and then announce view.ready.
type Spawner interface {
	SpawnBackground(ctx context.Context, id string) error
}

// Stopper is implemented by owners the broker can close. Protected reports
// whether Stop without force would be refused.
type Stopper interface {
	Stop(force bool) error
	Protected() bool
}

// Options configure a Broker. Zero durations fall back to config.Runtime.
type Options struct {
	Store             *store.Store
	Settings          func() config.Settings
	Spawner           Spawner
	WaitTimeout       time.Duration
	InjectGrace       time.Duration
	ReconcileInterval time.Duration
	StartupGrace      time.Duration
}

// Broker is the composition root for session routing.
type Broker struct {
	opts       Options
	registry   *registry.Registry
	router     *relay.Router
	transports *waiter.Table
	views      *waiter.Table
	gate       *gate.Gate
	log        zerolog.Logger

	injectMu    sync.Mutex
	injectLocks map[string]*sync.Mutex

	stdinMu     sync.Mutex
	stdinQueues map[string]*stdinQueue

	subMu  sync.Mutex
	subs   map[uint64]chan []protocol.SessionInfo
	subSeq uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	closing   atomic.Bool
}

// New builds a broker. Call Start before serving traffic.
func New(opts Options) *Broker {
	rc := config.Runtime
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = rc.WaitTimeout
	}
	if opts.InjectGrace <= 0 {
		opts.InjectGrace = rc.InjectGrace
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = rc.ReconcileInterval
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = rc.StartupGrace
	}
	if opts.Settings == nil {
		opts.Settings = config.DefaultSettings
	}
	if opts.Store == nil {
		opts.Store = store.New(store.NewMemoryBackend(store.State{}), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		opts:        opts,
		registry:    registry.New(opts.Store),
		router:      relay.New(),
		transports:  waiter.New(),
		views:       waiter.New(),
		log:         logger.For("broker"),
		injectLocks: make(map[string]*sync.Mutex),
		stdinQueues: make(map[string]*stdinQueue),
		subs:        make(map[uint64]chan []protocol.SessionInfo),
		ctx:         ctx,
		cancel:      cancel,
		startedAt:   time.Now(),
	}
	b.gate = gate.New(opts.Store, opts.Settings, b.Inject)
	return b
}

// Registry exposes the session registry.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Router exposes the relay router.
func (b *Broker) Router() *relay.Router { return b.router }

// Gate exposes the dangerous-command gate.
func (b *Broker) Gate() *gate.Gate { return b.gate }

// SetSpawner installs the spawner after construction; the spawner usually
// needs the broker itself.
func (b *Broker) SetSpawner(s Spawner) {
	b.opts.Spawner = s
}

// Start loads persisted state and runs the reconcile loop. Persisted
// sessions get StartupGrace to reconnect before the first pass.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.registry.Load(ctx); err != nil {
		return err
	}
	b.startedAt = time.Now()
	b.log.Info().Int("sessions", len(b.registry.Known())).Msg("✅ Broker started")

	b.wg.Add(1)
	recovery.SafeGoWithCleanup("broker-reconcile", b.reconcileLoop, b.wg.Done)
	return nil
}

func (b *Broker) reconcileLoop() {
	grace := time.NewTimer(b.opts.StartupGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
		b.Reconcile()
	case <-b.ctx.Done():
		return
	}

	ticker := time.NewTicker(b.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Reconcile()
		case <-b.ctx.Done():
			return
		}
	}
}

// Reconcile drops registry entries whose owner is gone.
func (b *Broker) Reconcile() []string {
	alive := make(map[string]bool)
	for _, id := range b.router.Owners() {
		alive[id] = true
	}
	dropped := b.registry.Reconcile(alive)
	if len(dropped) > 0 {
		b.notify()
	}
	return dropped
}

// Restorable reports whether id is a persisted session that may still be
// re-created by its owner because the startup grace has not elapsed.
func (b *Broker) Restorable(id string) bool {
	if id == "" || time.Since(b.startedAt) > b.opts.StartupGrace {
		return false
	}
	return b.registry.Has(id) && !b.registry.IsConnected(id)
}

// Shutdown stops every owner and flushes state. Persisted ready flags are
// left as they are so sessions can be restored on the next start.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()

	for _, id := range b.router.Owners() {
		owner, ok := b.router.Owner(id)
		if !ok {
			continue
		}
		if s, ok := owner.(Stopper); ok {
			if err := s.Stop(true); err != nil {
				b.log.Warn().Err(err).Str("session", id).Msg("⚠️ Failed to stop owner")
			}
		}
		b.DisconnectOwner(owner)
	}

	b.subMu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.subMu.Unlock()

	if err := b.opts.Store.Flush(ctx); err != nil {
		b.log.Error().Err(err).Msg("❌ Failed to flush state")
		return err
	}
	b.log.Info().Msg("🧹 Broker stopped")
	return nil
}

// ConnectOwner registers c as the owning connection of session c.ID(). A
// second owner for the same session replaces the first.
func (b *Broker) ConnectOwner(c relay.Conn, windowRef string) {
	id := c.ID()
	if prev := b.router.RegisterOwner(id, c); prev != nil && prev != c {
		b.log.Warn().Str("session", id).Msg("⚠️ Replacing owning connection")
		b.views.Clear(id)
		b.registry.MarkNotReady(id)
	}
	b.registry.Register(id, windowRef)
	b.transports.Mark(id)
	b.log.Debug().Str("session", id).Msg("owner connected")
	b.notify()
}

// DisconnectOwner tears down c. Pending snapshots for the session fail
// immediately and waiters are released. Stale owners are ignored.
func (b *Broker) DisconnectOwner(c relay.Conn) {
	id := c.ID()
	if !b.router.UnregisterOwner(id, c) {
		return
	}
	b.transports.Cancel(id)
	b.views.Cancel(id)
	if n := b.router.FailSession(id, "owner disconnected"); n > 0 {
		b.log.Debug().Str("session", id).Int("snapshots", n).Msg("failed pending snapshots")
	}

	if b.closing.Load() {
		return
	}
	_ = b.registry.Unregister(id)
	b.log.Info().Str("session", id).Msg("🔌 Owner disconnected")
	b.notify()
}

// CloseView disconnects c and forgets the session entirely; its view is
// gone for good.
func (b *Broker) CloseView(c relay.Conn) {
	b.DisconnectOwner(c)
	if b.closing.Load() {
		return
	}
	if _, ok := b.router.Owner(c.ID()); ok {
		return
	}
	b.registry.Forget(c.ID())
	b.dropInjectLock(c.ID())
	b.notify()
}

// OwnerMessage handles a message published by an owning connection.
// Messages from a replaced owner are dropped.
func (b *Broker) OwnerMessage(c relay.Conn, msg protocol.Message) {
	id := c.ID()
	if owner, ok := b.router.Owner(id); !ok || owner != c {
		b.log.Debug().Str("session", id).Str("type", msg.Type).Msg("dropping message from stale owner")
		return
	}
	msg.Session = id

	switch msg.Type {
	case protocol.TypeViewReady:
		b.registry.MarkReady(id)
		b.views.Mark(id)
		b.log.Debug().Str("session", id).Msg("view ready")
		b.notify()
	case protocol.TypeData, protocol.TypeState:
		b.router.Broadcast(id, msg)
	case protocol.TypeSnapshot:
		b.router.CompleteSnapshot(msg)
	case protocol.TypeSessionsRequest:
		_ = c.Send(b.sessionsMessage())
	default:
		b.handleControl(b.ctx, msg, func(reply protocol.Message) { _ = c.Send(reply) })
	}
}

// ConnectMirror adds a mirror with no selection and sends it the session
// inventory.
func (b *Broker) ConnectMirror(c relay.Conn) {
	b.router.AddMirror(c)
	_ = c.Send(b.sessionsMessage())
	b.log.Debug().Str("mirror", c.ID()).Msg("mirror connected")
}

// DisconnectMirror removes a mirror and its pending snapshot requests.
func (b *Broker) DisconnectMirror(mirrorID string) {
	b.router.RemoveMirror(mirrorID)
	b.stopStdin(mirrorID)
	b.log.Debug().Str("mirror", mirrorID).Msg("mirror disconnected")
}

// MirrorMessage handles a message sent by a mirror. Failures are answered
// with an error message to that mirror and never escape.
func (b *Broker) MirrorMessage(ctx context.Context, mirrorID string, msg protocol.Message) {
	reply := func(m protocol.Message) {
		if err := b.router.SendToMirror(mirrorID, m); err != nil {
			b.log.Debug().Err(err).Str("mirror", mirrorID).Msg("mirror reply failed")
		}
	}

	switch msg.Type {
	case protocol.TypeStdin:
		data := msg.Data
		if len(data) == 0 {
			data = []byte(msg.Text)
		}
		b.enqueueStdin(ctx, mirrorID, msg.Session, data)
	case protocol.TypeSnapshotRequest:
		if err := b.RequestSnapshot(mirrorID, msg.Session, msg.RequestID); err != nil && !errors.Is(err, ErrNotReady) {
			reply(protocol.ErrorMessage(msg.Session, msg.RequestID, err.Error()))
		}
	case protocol.TypeSelect:
		if err := b.Select(mirrorID, msg.Session); err != nil {
			reply(protocol.ErrorMessage(msg.Session, "", err.Error()))
		}
	case protocol.TypeSessionsRequest:
		reply(b.sessionsMessage())
	default:
		b.handleControl(ctx, msg, reply)
	}
}

// handleControl runs the lifecycle messages any client may send.
func (b *Broker) handleControl(ctx context.Context, msg protocol.Message, reply func(protocol.Message)) {
	var err error
	switch msg.Type {
	case protocol.TypeSessionRename:
		err = b.Rename(msg.Session, msg.Name)
	case protocol.TypeCreateBackground:
		recovery.SafeGo("broker-create", func() {
			if _, err := b.CreateBackground(ctx); err != nil {
				reply(protocol.ErrorMessage("", "", err.Error()))
			}
		})
	case protocol.TypeSessionClose:
		err = b.CloseSession(msg.Session)
	case protocol.TypeSessionTerminate:
		err = b.TerminateSession(msg.Session, msg.Force)
	case protocol.TypeFocus:
		err = b.Focus(msg.Session)
	default:
		err = errors.New("unknown message type: " + msg.Type)
	}
	if err != nil {
		reply(protocol.ErrorMessage(msg.Session, msg.RequestID, err.Error()))
	}
}
