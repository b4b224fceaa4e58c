// Package terminal implements the owning view of a session: it drives the
// session's PTY transport, keeps a screen model for snapshots, and reports
// everything it sees to the broker.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/recovery"
	"github.com/vanpelt/rit/internal/transport"
)

var (
	ErrCloseProtected = errors.New("terminal: close needs confirmation")
	ErrDisconnected   = errors.New("terminal: pty helper disconnected")
	ErrStopped        = errors.New("terminal: stopped")
)

// PTY is the transport surface a Terminal drives. *transport.Transport
// implements it.
type PTY interface {
	Open(shell string, cols, rows int, session string) error
	Write(p []byte) error
	Resize(cols, rows int) error
	Close() error
	Events() <-chan transport.Event
	Shutdown()
}

// Opener starts the PTY transport for a session.
type Opener func(ctx context.Context, session string) (PTY, error)

// Renderer displays a terminal to a user, e.g. over a websocket.
type Renderer interface {
	Output(p []byte) error
	Control(msg protocol.Message) error
}

// Options configure a Terminal.
type Options struct {
	Session    string
	WindowRef  string
	Cols       int
	Rows       int
	FlushGrace time.Duration
	Settings   func() config.Settings
	Open       Opener
	// Publish delivers owner messages to the broker.
	Publish func(msg protocol.Message)
}

// Terminal is the single owning connection of one session.
type Terminal struct {
	opts   Options
	screen *Screen
	log    zerolog.Logger

	mu           sync.Mutex
	pty          PTY
	opened       bool
	ready        bool
	disconnected bool
	stopped      bool
	armed        bool
	pending      [][]byte
	flushTimer   *time.Timer
	cols, rows   int
	title        string
	renderer     Renderer

	// outMu pairs each screen write with its broadcast so a snapshot holds
	// exactly the output published before it.
	outMu sync.Mutex

	loopDone chan struct{}
	loopOnce sync.Once
}

// New creates a stopped terminal. Call Start to open its PTY.
func New(opts Options) *Terminal {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.FlushGrace <= 0 {
		opts.FlushGrace = 200 * time.Millisecond
	}
	if opts.Settings == nil {
		opts.Settings = config.DefaultSettings
	}
	if opts.Publish == nil {
		opts.Publish = func(protocol.Message) {}
	}
	return &Terminal{
		opts:     opts,
		screen:   NewScreen(opts.Cols, opts.Rows),
		log:      logger.WithSession("terminal", opts.Session),
		cols:     opts.Cols,
		rows:     opts.Rows,
		title:    Title(""),
		loopDone: make(chan struct{}),
	}
}

// ID is the session id; a Terminal is the session's owning connection.
func (t *Terminal) ID() string { return t.opts.Session }

// WindowRef identifies where the terminal is displayed, if anywhere.
func (t *Terminal) WindowRef() string { return t.opts.WindowRef }

// Screen exposes the screen model.
func (t *Terminal) Screen() *Screen { return t.screen }

// Start starts the PTY transport, announces the view as ready and opens
// the shell.
func (t *Terminal) Start(ctx context.Context) error {
	pty, err := t.opts.Open(ctx, t.opts.Session)
	if err != nil {
		t.log.Error().Err(err).Msg("❌ Failed to start pty helper")
		t.publish(protocol.StateMessage(t.opts.Session, protocol.StateError, fmt.Sprintf("pty helper unavailable: %v", err)))
		t.finishLoop()
		return err
	}

	t.mu.Lock()
	t.pty = pty
	t.mu.Unlock()

	recovery.SafeGoWithCleanup("terminal-events-"+t.opts.Session, func() {
		t.eventLoop(pty.Events())
	}, t.finishLoop)

	t.publish(protocol.Message{Type: protocol.TypeViewReady, Session: t.opts.Session})

	t.mu.Lock()
	err = t.openLocked()
	t.mu.Unlock()
	if err != nil {
		t.publish(protocol.StateMessage(t.opts.Session, protocol.StateError, err.Error()))
	}
	return nil
}

// Send handles a broker message addressed to this owner.
func (t *Terminal) Send(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeStdin, protocol.TypeInject:
		data := msg.Data
		if len(data) == 0 {
			data = []byte(msg.Text)
		}
		return t.Input(data)
	case protocol.TypeHostClose:
		return t.ClosePTY()
	case protocol.TypeSnapshotRequest:
		t.outMu.Lock()
		defer t.outMu.Unlock()
		t.publish(protocol.Message{
			Type:      protocol.TypeSnapshot,
			Session:   t.opts.Session,
			RequestID: msg.RequestID,
			Data:      t.screen.Snapshot(),
		})
		return nil
	case protocol.TypeSetName:
		t.SetName(msg.Name)
		return nil
	case protocol.TypeConfirmClose:
		t.mu.Lock()
		t.armed = true
		t.mu.Unlock()
		return nil
	case protocol.TypeFocus:
		t.control(protocol.Message{Type: protocol.TypeFocus, Session: t.opts.Session})
		return nil
	case protocol.TypeResize:
		t.Resize(msg.Cols, msg.Rows)
		return nil
	default:
		t.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return nil
	}
}

// Input writes to the PTY, opening it first when the shell has exited.
// Before the shell is ready, and while earlier input is still queued, the
// bytes are queued so order is preserved.
func (t *Terminal) Input(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	buf := append([]byte(nil), p...)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.disconnected {
		t.mu.Unlock()
		t.log.Debug().Int("bytes", len(p)).Msg("dropping input, helper is gone")
		return ErrDisconnected
	}
	if err := t.openLocked(); err != nil {
		t.mu.Unlock()
		t.publish(protocol.StateMessage(t.opts.Session, protocol.StateError, err.Error()))
		return err
	}
	if !t.ready || len(t.pending) > 0 {
		t.pending = append(t.pending, buf)
		t.mu.Unlock()
		return nil
	}
	pty := t.pty
	t.mu.Unlock()

	return pty.Write(buf)
}

// Resize records the window size and forwards it once the shell is ready.
func (t *Terminal) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.screen.Resize(cols, rows)

	t.mu.Lock()
	t.cols, t.rows = cols, rows
	pty, ready := t.pty, t.ready
	t.mu.Unlock()

	if ready && pty != nil {
		if err := pty.Resize(cols, rows); err != nil {
			t.log.Debug().Err(err).Msg("resize failed")
		}
	}
}

// ClosePTY closes the shell but keeps the terminal; the next input reopens it.
func (t *Terminal) ClosePTY() error {
	t.mu.Lock()
	pty, opened := t.pty, t.opened
	t.mu.Unlock()
	if pty == nil || !opened {
		return nil
	}
	return pty.Close()
}

// SetName updates the title shown by renderers.
func (t *Terminal) SetName(name string) {
	title := Title(name)
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
	t.control(protocol.Message{Type: protocol.TypeSetName, Session: t.opts.Session, Name: name, Text: title})
}

// Title returns the current window title.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Ready reports whether the shell is ready for input.
func (t *Terminal) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Stopped reports whether Stop has run.
func (t *Terminal) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Protected reports whether closing would need confirmation.
func (t *Terminal) Protected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protectedLocked()
}

func (t *Terminal) protectedLocked() bool {
	return t.opts.Settings().ConfirmBeforeClose && t.ready && !t.armed
}

// Stop closes the shell and the helper. A ready terminal with close
// protection refuses unless force is set or the close was confirmed.
func (t *Terminal) Stop(force bool) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	if !force && t.protectedLocked() {
		t.mu.Unlock()
		return ErrCloseProtected
	}
	t.stopped = true
	t.ready = false
	if t.flushTimer != nil {
		t.flushTimer.Stop()
	}
	t.pending = nil
	pty, opened := t.pty, t.opened
	t.mu.Unlock()

	if pty == nil {
		t.finishLoop()
	} else {
		if opened {
			_ = pty.Close()
		}
		pty.Shutdown()
	}
	<-t.loopDone
	t.log.Info().Msg("🧹 Terminal stopped")
	return nil
}

// Done is closed once the event loop has finished.
func (t *Terminal) Done() <-chan struct{} {
	return t.loopDone
}

// Attach connects a renderer, replacing any previous one, and paints the
// current screen on it. The returned func detaches it.
func (t *Terminal) Attach(r Renderer) func() {
	t.outMu.Lock()
	t.mu.Lock()
	t.renderer = r
	title := t.title
	t.mu.Unlock()
	_ = r.Output(t.screen.Snapshot())
	t.outMu.Unlock()

	_ = r.Control(protocol.Message{Type: protocol.TypeSetName, Session: t.opts.Session, Text: title})

	return func() {
		t.mu.Lock()
		if t.renderer == r {
			t.renderer = nil
		}
		t.mu.Unlock()
	}
}

func (t *Terminal) finishLoop() {
	t.loopOnce.Do(func() { close(t.loopDone) })
}

func (t *Terminal) openLocked() error {
	if t.opened {
		return nil
	}
	if t.pty == nil {
		return ErrDisconnected
	}
	shell := strings.TrimSpace(t.opts.Settings().ShellOverride)
	if err := t.pty.Open(shell, t.cols, t.rows, t.opts.Session); err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	t.opened = true
	t.log.Debug().Str("shell", shell).Int("cols", t.cols).Int("rows", t.rows).Msg("opening pty")
	return nil
}

func (t *Terminal) eventLoop(events <-chan transport.Event) {
	for ev := range events {
		switch ev.Kind {
		case transport.EventData:
			t.outMu.Lock()
			t.screen.Write(ev.Data)
			t.output(ev.Data)
			t.publish(protocol.Message{Type: protocol.TypeData, Session: t.opts.Session, Data: ev.Data})
			t.outMu.Unlock()

		case transport.EventReady:
			t.onReady(ev)

		case transport.EventExit:
			t.mu.Lock()
			t.ready = false
			t.opened = false
			if t.flushTimer != nil {
				t.flushTimer.Stop()
			}
			t.mu.Unlock()
			t.notice("\r\n[process exited]\r\n")
			t.publish(protocol.StateMessage(t.opts.Session, protocol.StateExit, fmt.Sprintf("exit code %d", ev.Code)))

		case transport.EventError:
			msg := ev.Message
			if msg == "" {
				msg = "unknown"
			}
			t.notice("\r\n[host error] " + msg + "\r\n")
			t.publish(protocol.StateMessage(t.opts.Session, protocol.StateError, msg))

		case transport.EventDisconnect:
			t.mu.Lock()
			t.ready = false
			t.opened = false
			t.disconnected = true
			if t.flushTimer != nil {
				t.flushTimer.Stop()
			}
			stopped := t.stopped
			t.mu.Unlock()
			if ev.Requested || stopped {
				continue
			}
			t.notice("\r\n[disconnected] " + ev.Message + "\r\n")
			t.publish(protocol.StateMessage(t.opts.Session, protocol.StateError, ev.Message))
		}
	}
}

func (t *Terminal) onReady(ev transport.Event) {
	t.mu.Lock()
	t.ready = true
	pty := t.pty
	cols, rows := t.cols, t.rows
	if t.flushTimer != nil {
		t.flushTimer.Stop()
	}
	t.flushTimer = time.AfterFunc(t.opts.FlushGrace, t.flushPending)
	t.mu.Unlock()

	if err := pty.Resize(cols, rows); err != nil {
		t.log.Debug().Err(err).Msg("initial resize failed")
	}
	t.log.Info().Str("shell", ev.Shell).Str("platform", ev.Platform).Msg("✅ PTY ready")
	t.publish(protocol.StateMessage(t.opts.Session, protocol.StateReady, ""))
}

// flushPending writes queued input in arrival order. Input arriving while
// this runs is appended behind it.
func (t *Terminal) flushPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready || t.pty == nil {
		return
	}
	for len(t.pending) > 0 {
		next := t.pending[0]
		if err := t.pty.Write(next); err != nil {
			t.log.Warn().Err(err).Msg("flush failed, keeping queue")
			return
		}
		t.pending = t.pending[1:]
	}
	t.pending = nil
}

// notice writes a local status line to the screen and renderer.
func (t *Terminal) notice(text string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	t.screen.Write([]byte(text))
	t.output([]byte(text))
}

func (t *Terminal) output(p []byte) {
	t.mu.Lock()
	r := t.renderer
	t.mu.Unlock()
	if r != nil {
		if err := r.Output(p); err != nil {
			t.log.Debug().Err(err).Msg("renderer output failed")
		}
	}
}

func (t *Terminal) control(msg protocol.Message) {
	t.mu.Lock()
	r := t.renderer
	t.mu.Unlock()
	if r != nil {
		if err := r.Control(msg); err != nil {
			t.log.Debug().Err(err).Msg("renderer control failed")
		}
	}
}

func (t *Terminal) publish(msg protocol.Message) {
	t.opts.Publish(msg)
}

// Title formats a window title for a session name.
func Title(name string) string {
	if name == "" {
		return "Terminal"
	}
	return "Terminal - " + name
}
