package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/ptyhost"
	"github.com/vanpelt/rit/internal/ptyhost/ptyhosttest"
	"github.com/vanpelt/rit/internal/store"
	"github.com/vanpelt/rit/internal/terminal"
	"github.com/vanpelt/rit/internal/transport"
)

func echoOpener(spawner ptyhost.Spawner) terminal.Opener {
	return func(context.Context, string) (terminal.PTY, error) {
		toHostR, toHostW := io.Pipe()
		fromHostR, fromHostW := io.Pipe()
		host := ptyhost.NewHost(spawner)
		go func() {
			_ = host.Serve(context.Background(), toHostR, fromHostW)
			_ = fromHostW.Close()
		}()
		return transport.New(fromHostR, toHostW), nil
	}
}

type renderer struct {
	mu  sync.Mutex
	out []byte
}

func (r *renderer) Output(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, p...)
	return nil
}

func (r *renderer) Control(protocol.Message) error { return nil }

func (r *renderer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.out)
}

func newService(t *testing.T, backend *store.MemoryBackend) (*TerminalService, *broker.Broker) {
	t.Helper()
	if backend == nil {
		backend = store.NewMemoryBackend(store.State{})
	}
	b := broker.New(broker.Options{
		Store:             store.New(backend, time.Millisecond),
		WaitTimeout:       time.Second,
		InjectGrace:       5 * time.Millisecond,
		ReconcileInterval: time.Hour,
		StartupGrace:      time.Hour,
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	s := NewTerminalService(context.Background(), b, config.DefaultSettings, echoOpener(&ptyhosttest.EchoSpawner{}))
	return s, b
}

func TestInjectCreatesBackgroundTerminal(t *testing.T) {
	s, b := newService(t, nil)

	id, err := b.Inject(context.Background(), "", "echo hi\n")
	require.NoError(t, err)

	term, ok := s.Get(id)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return term.Screen().Render() == "echo hi"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Count())
}

func TestAttachUnknownSessionFails(t *testing.T) {
	s, _ := newService(t, nil)
	_, _, err := s.Attach("missing", "", &renderer{})
	assert.ErrorIs(t, err, ErrUnknownTerminal)
}

func TestAttachNewTerminalPaints(t *testing.T) {
	s, b := newService(t, nil)
	r := &renderer{}

	term, detach, err := s.Attach("", "window-1", r)
	require.NoError(t, err)
	defer detach()

	require.Eventually(t, term.Ready, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, term.Input([]byte("whoami\n")))
	assert.Eventually(t, func() bool { return len(r.String()) > 0 }, time.Second, 10*time.Millisecond)

	info, err := b.Registry().Get(term.ID())
	require.NoError(t, err)
	assert.Equal(t, "window-1", info.WindowRef)
}

func TestAttachRestoresPersistedSession(t *testing.T) {
	backend := store.NewMemoryBackend(store.State{Ready: []string{"persisted"}, Names: map[string]string{"persisted": "build"}})
	s, b := newService(t, backend)

	term, detach, err := s.Attach("persisted", "", &renderer{})
	require.NoError(t, err)
	defer detach()

	assert.Equal(t, "persisted", term.ID())
	require.Eventually(t, func() bool { return b.Registry().IsReady("persisted") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "build (persisted)", b.List()[0].Label)
}

func TestTerminateRemovesTerminal(t *testing.T) {
	s, b := newService(t, nil)
	term, err := s.Open("A", "")
	require.NoError(t, err)
	require.Eventually(t, term.Ready, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.TerminateSession("A", false))
	assert.Eventually(t, func() bool { return s.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, b.List())
}

func TestTerminateProtectedNeedsForce(t *testing.T) {
	s, b := newService(t, nil)
	settings := config.DefaultSettings()
	settings.ConfirmBeforeClose = true
	s.settings = func() config.Settings { return settings }

	term, err := s.Open("A", "")
	require.NoError(t, err)
	require.Eventually(t, term.Ready, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, b.TerminateSession("A", false), broker.ErrConfirmRequired)
	require.NoError(t, b.TerminateSession("A", true))
	assert.True(t, term.Stopped())
}
