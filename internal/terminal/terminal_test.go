package terminal

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/ptyhost"
	"github.com/vanpelt/rit/internal/ptyhost/ptyhosttest"
	"github.com/vanpelt/rit/internal/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message

	// holdData, when set, parks the next data publish until it is closed.
	holdData chan struct{}
	held     chan struct{}
}

func (r *recorder) publish(msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	var hold, held chan struct{}
	if msg.Type == protocol.TypeData && r.holdData != nil {
		hold, held = r.holdData, r.held
		r.holdData, r.held = nil, nil
	}
	r.mu.Unlock()

	if hold != nil {
		close(held)
		<-hold
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) ofType(typ string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) states(state string) []protocol.Message {
	var out []protocol.Message
	for _, m := range r.ofType(protocol.TypeState) {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) output() string {
	var sb strings.Builder
	for _, m := range r.ofType(protocol.TypeData) {
		sb.Write(m.Data)
	}
	return sb.String()
}

type fakeRenderer struct {
	mu       sync.Mutex
	out      []byte
	controls []protocol.Message
}

func (f *fakeRenderer) Output(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, p...)
	return nil
}

func (f *fakeRenderer) Control(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, msg)
	return nil
}

func (f *fakeRenderer) control(typ string) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.controls {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	term     *Terminal
	rec      *recorder
	spawner  *ptyhosttest.EchoSpawner
	settings config.Settings

	mu      sync.Mutex
	hostOut *io.PipeWriter
}

func newHarness(t *testing.T, settings config.Settings) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}, spawner: &ptyhosttest.EchoSpawner{}, settings: settings}
	h.term = New(Options{
		Session:    "A",
		Cols:       80,
		Rows:       24,
		FlushGrace: 20 * time.Millisecond,
		Settings:   func() config.Settings { return h.settings },
		Publish:    h.rec.publish,
		Open: func(context.Context, string) (PTY, error) {
			toHostR, toHostW := io.Pipe()
			fromHostR, fromHostW := io.Pipe()
			h.mu.Lock()
			h.hostOut = fromHostW
			h.mu.Unlock()
			host := ptyhost.NewHost(h.spawner)
			go func() {
				_ = host.Serve(context.Background(), toHostR, fromHostW)
				_ = fromHostW.Close()
			}()
			return transport.New(fromHostR, toHostW), nil
		},
	})
	t.Cleanup(func() { _ = h.term.Stop(true) })
	return h
}

func (h *harness) crashHelper() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hostOut.CloseWithError(io.ErrUnexpectedEOF)
}

func waitReady(t *testing.T, h *harness) {
	t.Helper()
	require.Eventually(t, h.term.Ready, 2*time.Second, 5*time.Millisecond)
}

func TestStartAnnouncesViewReadyThenState(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	require.Len(t, h.rec.ofType(protocol.TypeViewReady), 1)
	assert.Eventually(t, func() bool { return len(h.rec.states(protocol.StateReady)) == 1 }, time.Second, 5*time.Millisecond)

	shell := h.spawner.Last()
	require.NotNil(t, shell)
	assert.Equal(t, 80, shell.Options().Cols)
	assert.Equal(t, 24, shell.Options().Rows)
}

func TestShellOverrideIsTrimmed(t *testing.T) {
	settings := config.DefaultSettings()
	settings.ShellOverride = "  /bin/zsh  "
	h := newHarness(t, settings)
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	assert.Equal(t, "/bin/zsh", h.spawner.Last().Options().Shell)
}

func TestInputBeforeReadyIsQueuedInOrder(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	require.NoError(t, h.term.Input([]byte("one ")))
	require.NoError(t, h.term.Input([]byte("two ")))
	waitReady(t, h)
	require.NoError(t, h.term.Input([]byte("three")))

	require.Eventually(t, func() bool {
		return h.rec.output() == "one two three"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "one two three", string(h.spawner.Last().Written()))
}

func TestReadyStdinProducesOneDataEvent(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeStdin, Data: []byte("ls\n")}))
	require.Eventually(t, func() bool { return len(h.rec.ofType(protocol.TypeData)) == 1 }, time.Second, 5*time.Millisecond)

	data := h.rec.ofType(protocol.TypeData)[0]
	assert.Equal(t, "ls\n", string(data.Data))
	assert.Equal(t, "A", data.Session)
}

func TestInjectUsesText(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeInject, Text: "echo hi\n"}))
	assert.Eventually(t, func() bool { return h.rec.output() == "echo hi\n" }, time.Second, 5*time.Millisecond)
}

func TestSnapshotReplyCarriesRequestID(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)
	require.NoError(t, h.term.Input([]byte("prompt$ ")))
	require.Eventually(t, func() bool { return h.term.Screen().Render() == "prompt$" }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeSnapshotRequest, RequestID: "s1"}))

	snaps := h.rec.ofType(protocol.TypeSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, "s1", snaps[0].RequestID)
	assert.Equal(t, "A", snaps[0].Session)
	assert.Contains(t, string(snaps[0].Data), "prompt$ ")
}

func TestSnapshotWaitsForOutputInFlight(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	hold, held := make(chan struct{}), make(chan struct{})
	h.rec.mu.Lock()
	h.rec.holdData, h.rec.held = hold, held
	h.rec.mu.Unlock()

	require.NoError(t, h.term.Input([]byte("x")))
	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("output never published")
	}

	sent := make(chan error, 1)
	go func() {
		sent <- h.term.Send(protocol.Message{Type: protocol.TypeSnapshotRequest, RequestID: "s1"})
	}()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.rec.ofType(protocol.TypeSnapshot), "snapshot taken while output was unpublished")

	close(hold)
	require.NoError(t, <-sent)

	snaps := h.rec.ofType(protocol.TypeSnapshot)
	require.Len(t, snaps, 1)
	assert.Contains(t, string(snaps[0].Data), "x")

	types := h.rec.types()
	dataAt, snapAt := -1, -1
	for i, typ := range types {
		if typ == protocol.TypeData && dataAt < 0 {
			dataAt = i
		}
		if typ == protocol.TypeSnapshot {
			snapAt = i
		}
	}
	assert.Less(t, dataAt, snapAt)
}

func TestExitThenInputReopens(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeHostClose}))
	require.Eventually(t, func() bool { return len(h.rec.states(protocol.StateExit)) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.term.Ready())
	assert.Contains(t, h.term.Screen().Render(), "[process exited]")

	require.NoError(t, h.term.Input([]byte("again")))
	require.Eventually(t, func() bool { return len(h.spawner.Shells()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return string(h.spawner.Last().Written()) == "again"
	}, time.Second, 5*time.Millisecond)
}

func TestHelperCrashNotifiesOnceWithoutRespawn(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	h.crashHelper()
	require.Eventually(t, func() bool { return len(h.rec.states(protocol.StateError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.term.Ready())

	assert.ErrorIs(t, h.term.Input([]byte("lost")), ErrDisconnected)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.rec.states(protocol.StateError), 1)
	assert.Len(t, h.spawner.Shells(), 1)
}

func TestStopHonoursCloseProtection(t *testing.T) {
	settings := config.DefaultSettings()
	settings.ConfirmBeforeClose = true
	h := newHarness(t, settings)
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	assert.True(t, h.term.Protected())
	assert.ErrorIs(t, h.term.Stop(false), ErrCloseProtected)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeConfirmClose}))
	assert.False(t, h.term.Protected())
	require.NoError(t, h.term.Stop(false))

	select {
	case <-h.term.Done():
	case <-time.After(time.Second):
		t.Fatal("event loop still running")
	}
	assert.ErrorIs(t, h.term.Input([]byte("x")), ErrStopped)
	assert.Empty(t, h.rec.states(protocol.StateError), "a requested stop is not an error")
}

func TestStopWithoutStart(t *testing.T) {
	term := New(Options{Session: "idle"})
	require.NoError(t, term.Stop(false))
	<-term.Done()
}

func TestAttachPaintsAndReceivesControl(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	r := &fakeRenderer{}
	detach := h.term.Attach(r)
	require.Len(t, r.control(protocol.TypeSetName), 1)
	assert.Equal(t, "Terminal", r.control(protocol.TypeSetName)[0].Text)

	h.term.SetName("build")
	assert.Equal(t, "Terminal - build", h.term.Title())
	require.Len(t, r.control(protocol.TypeSetName), 2)

	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeFocus}))
	assert.Len(t, r.control(protocol.TypeFocus), 1)

	detach()
	require.NoError(t, h.term.Send(protocol.Message{Type: protocol.TypeFocus}))
	assert.Len(t, r.control(protocol.TypeFocus), 1)
}

func TestResizeForwardsWhenReady(t *testing.T) {
	h := newHarness(t, config.DefaultSettings())
	require.NoError(t, h.term.Start(context.Background()))
	waitReady(t, h)

	h.term.Resize(120, 40)
	assert.Eventually(t, func() bool {
		cols, rows := h.spawner.Last().Size()
		return cols == 120 && rows == 40
	}, time.Second, 5*time.Millisecond)

	cols, rows := h.term.Screen().Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
}
