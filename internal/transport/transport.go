// Package transport supervises a PTY helper process and exposes its framed
// protocol as method calls and an ordered event stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
)

var ErrClosed = errors.New("transport: closed")

// shutdownGrace bounds how long Shutdown waits for the helper to exit on its own.
var shutdownGrace = 2 * time.Second

// Kind identifies an Event.
type Kind int

const (
	EventReady Kind = iota + 1
	EventData
	EventExit
	EventError
	EventDisconnect
)

func (k Kind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventData:
		return "data"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one notification from the helper, delivered in emission order.
type Event struct {
	Kind     Kind
	Data     []byte
	Code     int
	Shell    string
	Platform string
	Message  string
	// Requested is set on the disconnect that follows Shutdown.
	Requested bool
}

// Options configure Spawn.
type Options struct {
	Path string
	Args []string
	Env  []string
	// Session only tags log lines.
	Session string
}

// Transport is the broker side of one helper channel.
type Transport struct {
	w       io.WriteCloser
	writeMu sync.Mutex

	events chan Event
	pongs  chan struct{}
	done   chan struct{}
	stop   chan struct{}

	closed    atomic.Bool
	stopOnce  sync.Once
	shutdown  sync.Once
	requested atomic.Bool

	cmd    *exec.Cmd
	stderr *tailBuffer
	log    zerolog.Logger
}

// Spawn starts the helper process and attaches to its stdio.
func Spawn(ctx context.Context, opts Options) (*Transport, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("transport: helper path is required")
	}
	cmd := exec.Command(opts.Path, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	tail := newTailBuffer(4096)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper %s: %w", opts.Path, err)
	}

	t := newTransport(stdout, stdin, logger.WithSession("transport", opts.Session))
	t.cmd = cmd
	t.stderr = tail
	t.log.Debug().Int("pid", cmd.Process.Pid).Str("path", opts.Path).Msg("helper started")

	go func() {
		select {
		case <-ctx.Done():
			t.Shutdown()
		case <-t.done:
		}
	}()
	return t, nil
}

// New wraps an existing stream pair, e.g. pipes to an in-process host.
func New(r io.Reader, w io.WriteCloser) *Transport {
	return newTransport(r, w, logger.For("transport"))
}

func newTransport(r io.Reader, w io.WriteCloser, log zerolog.Logger) *Transport {
	t := &Transport{
		w:      w,
		events: make(chan Event, 256),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		log:    log,
	}
	go t.readLoop(r)
	return t
}

// Events returns the ordered event stream. It ends with exactly one
// EventDisconnect and is then closed.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Done is closed once the helper channel is gone.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Open asks the helper to spawn a shell.
func (t *Transport) Open(shell string, cols, rows int, session string) error {
	return t.send(protocol.Frame{Type: protocol.FrameOpen, Shell: shell, Cols: cols, Rows: rows, Session: session})
}

// Write sends raw bytes to the PTY, split into frames of at most
// protocol.MaxStdinChunk bytes. The chunks of one Write are never
// interleaved with other frames.
func (t *Transport) Write(p []byte) error {
	if len(p) <= protocol.MaxStdinChunk {
		return t.send(protocol.Frame{Type: protocol.FrameStdin, Data: p})
	}
	frames := make([]protocol.Frame, 0, len(p)/protocol.MaxStdinChunk+1)
	for len(p) > 0 {
		n := min(len(p), protocol.MaxStdinChunk)
		frames = append(frames, protocol.Frame{Type: protocol.FrameStdin, Data: p[:n]})
		p = p[n:]
	}
	return t.send(frames...)
}

// Resize updates the PTY window. The helper ignores it when no shell is open.
func (t *Transport) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return t.send(protocol.Frame{Type: protocol.FrameResize, Cols: cols, Rows: rows})
}

// Close asks the helper to terminate the shell; an EventExit follows.
func (t *Transport) Close() error {
	return t.send(protocol.Frame{Type: protocol.FrameClose})
}

// Ping waits for the helper to answer a ping.
func (t *Transport) Ping(ctx context.Context) error {
	// drop a stale pong
	select {
	case <-t.pongs:
	default:
	}
	if err := t.send(protocol.Frame{Type: protocol.FramePing}); err != nil {
		return err
	}
	select {
	case <-t.pongs:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the helper's stdin, waits briefly for it to exit, and
// kills it if it does not. Safe to call more than once.
func (t *Transport) Shutdown() {
	t.shutdown.Do(func() {
		t.requested.Store(true)
		t.closed.Store(true)

		t.writeMu.Lock()
		_ = t.w.Close()
		t.writeMu.Unlock()

		select {
		case <-t.done:
		case <-time.After(shutdownGrace):
			t.log.Warn().Msg("⚠️  helper did not exit, killing")
			if t.cmd != nil && t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			t.stopOnce.Do(func() { close(t.stop) })
			<-t.done
		}
	})
}

func (t *Transport) send(frames ...protocol.Frame) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, f := range frames {
		if err := protocol.WriteFrame(t.w, f); err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) || errors.Is(err, protocol.ErrFrameTooLarge) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	return nil
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}

func (t *Transport) readLoop(r io.Reader) {
	defer close(t.done)
	defer close(t.events)

	var readErr error
	for {
		f, err := protocol.ReadFrame(r, 0)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) {
				t.log.Warn().Err(err).Msg("skipping invalid helper frame")
				continue
			}
			readErr = err
			break
		}
		switch f.Type {
		case protocol.FrameReady:
			t.emit(Event{Kind: EventReady, Shell: f.Shell, Platform: f.Platform})
		case protocol.FrameData:
			t.emit(Event{Kind: EventData, Data: f.Data})
		case protocol.FrameExit:
			t.emit(Event{Kind: EventExit, Code: f.ExitCode()})
		case protocol.FrameError:
			t.emit(Event{Kind: EventError, Message: f.Message})
		case protocol.FramePong:
			select {
			case t.pongs <- struct{}{}:
			default:
			}
		default:
			t.log.Debug().Str("type", f.Type).Msg("ignoring helper frame")
		}
	}

	t.closed.Store(true)
	requested := t.requested.Load()
	diag := t.diagnose(readErr, requested)
	if requested {
		t.log.Debug().Str("diag", diag).Msg("helper channel closed")
	} else {
		t.log.Warn().Str("diag", diag).Msg("🔌 helper disconnected")
	}
	t.emit(Event{Kind: EventDisconnect, Message: diag, Requested: requested})
}

// diagnose builds a best-effort description of why the channel ended.
func (t *Transport) diagnose(readErr error, requested bool) string {
	var parts []string
	if requested {
		parts = append(parts, "transport closed")
	} else if readErr != nil && !errors.Is(readErr, io.EOF) {
		parts = append(parts, readErr.Error())
	} else {
		parts = append(parts, "helper closed its output")
	}

	if status := t.waitHelper(); status != "" {
		parts = append(parts, status)
	}
	if t.stderr != nil {
		if tail := strings.TrimSpace(t.stderr.String()); tail != "" {
			parts = append(parts, "stderr: "+lastLine(tail))
		}
	}
	return strings.Join(parts, "; ")
}

func (t *Transport) waitHelper() string {
	if t.cmd == nil {
		return ""
	}
	waited := make(chan error, 1)
	go func() { waited <- t.cmd.Wait() }()

	select {
	case err := <-waited:
		if err != nil {
			return err.Error()
		}
		return "exit status 0"
	case <-time.After(shutdownGrace):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		return "helper unresponsive, killed"
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
