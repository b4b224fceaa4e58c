package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/recovery"
	"github.com/vanpelt/rit/internal/terminal"
	"github.com/vanpelt/rit/internal/transport"
)

var ErrUnknownTerminal = errors.New("services: unknown terminal")

// HelperOpener starts `rit host` for every terminal. The helper lives until
// its terminal stops or base is cancelled.
func HelperOpener(base context.Context, rc *config.RuntimeConfig) terminal.Opener {
	return func(_ context.Context, session string) (terminal.PTY, error) {
		return transport.Spawn(base, transport.Options{
			Path:    rc.HelperPath,
			Args:    []string{"host"},
			Env:     append(os.Environ(), "RIT_SESSION="+session),
			Session: session,
		})
	}
}

// TerminalService creates and tracks the owning terminals of sessions. It
// is the broker's Spawner.
type TerminalService struct {
	broker   *broker.Broker
	settings func() config.Settings
	open     terminal.Opener
	log      zerolog.Logger

	mu        sync.Mutex
	terminals map[string]*terminal.Terminal
	ctx       context.Context
}

// NewTerminalService wires a service to b and installs it as b's spawner.
func NewTerminalService(ctx context.Context, b *broker.Broker, settings func() config.Settings, open terminal.Opener) *TerminalService {
	if settings == nil {
		settings = config.DefaultSettings
	}
	s := &TerminalService{
		broker:    b,
		settings:  settings,
		open:      open,
		log:       logger.For("terminals"),
		terminals: make(map[string]*terminal.Terminal),
		ctx:       ctx,
	}
	b.SetSpawner(s)
	return s
}

// SpawnBackground implements broker.Spawner with a headless terminal.
func (s *TerminalService) SpawnBackground(_ context.Context, id string) error {
	_, err := s.Open(id, "")
	return err
}

// Open returns the terminal for id, starting one if needed.
func (s *TerminalService) Open(id, windowRef string) (*terminal.Terminal, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if t, ok := s.terminals[id]; ok && !t.Stopped() {
		s.mu.Unlock()
		return t, nil
	}
	var term *terminal.Terminal
	term = terminal.New(terminal.Options{
		Session:    id,
		WindowRef:  windowRef,
		FlushGrace: config.Runtime.FlushGrace,
		Settings:   s.settings,
		Open:       s.open,
		Publish: func(msg protocol.Message) {
			s.broker.OwnerMessage(term, msg)
		},
	})
	s.terminals[id] = term
	s.mu.Unlock()

	s.broker.ConnectOwner(term, windowRef)
	if err := term.Start(s.ctx); err != nil {
		s.remove(term)
		s.broker.CloseView(term)
		return nil, fmt.Errorf("start terminal %s: %w", id, err)
	}

	recovery.SafeGo("terminal-watch-"+id, func() {
		<-term.Done()
		if term.Stopped() {
			s.remove(term)
			s.broker.CloseView(term)
		}
	})
	s.log.Info().Str("session", id).Msg("🖥️ Terminal started")
	return term, nil
}

// Attach connects a renderer to the terminal for id. A missing terminal is
// created when id is empty or when it is a persisted session that may
// still be restored after a broker restart.
func (s *TerminalService) Attach(id, windowRef string, r terminal.Renderer) (*terminal.Terminal, func(), error) {
	term, ok := s.Get(id)
	if !ok {
		if id != "" && !s.broker.Restorable(id) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
		}
		var err error
		term, err = s.Open(id, windowRef)
		if err != nil {
			return nil, nil, err
		}
	}
	return term, term.Attach(r), nil
}

// Get returns a running terminal.
func (s *TerminalService) Get(id string) (*terminal.Terminal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[id]
	if !ok || t.Stopped() {
		return nil, false
	}
	return t, true
}

// Count returns how many terminals are tracked.
func (s *TerminalService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminals)
}

func (s *TerminalService) remove(term *terminal.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminals[term.ID()] == term {
		delete(s.terminals, term.ID())
	}
}
