// Package gate holds snippets that match a dangerous substring until the user
// confirms or cancels them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/store"
)

var (
	ErrNothingPending = errors.New("gate: nothing pending")
	ErrUnknownChoice  = errors.New("gate: choice must be proceed or cancel")
)

// Confirmation choices.
const (
	ChoiceProceed = "proceed"
	ChoiceCancel  = "cancel"
)

// Injector delivers a snippet to a session. An empty target lets the broker
// resolve one.
type Injector func(ctx context.Context, target, text string) (string, error)

// Outcome describes what Submit or Decide did.
type Outcome struct {
	Injected  bool          `json:"injected"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Session   string        `json:"session,omitempty"`
	Pending   *store.Pending `json:"pending,omitempty"`
}

// Gate sits in front of the injection path.
type Gate struct {
	store    *store.Store
	settings func() config.Settings
	inject   Injector
	now      func() time.Time

	// decide and submit never interleave
	mu sync.Mutex
}

// New builds a gate. settings is read on every Submit so changes apply live.
func New(st *store.Store, settings func() config.Settings, inject Injector) *Gate {
	return &Gate{
		store:    st,
		settings: settings,
		inject:   inject,
		now:      time.Now,
	}
}

// Matches returns the configured terms found in snippet, compared
// case-insensitively after trimming. Empty terms never match.
func Matches(snippet string, list []string) []string {
	hay := strings.ToLower(snippet)
	var found []string
	for _, term := range list {
		needle := strings.ToLower(strings.TrimSpace(term))
		if needle != "" && strings.Contains(hay, needle) {
			found = append(found, term)
		}
	}
	return found
}

// Submit injects snippet followed by a newline, or parks it as the pending
// confirmation when it matches a dangerous term and confirmation is on.
func (g *Gate) Submit(ctx context.Context, target, snippet string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	settings := g.settings()
	var dangerous []string
	if settings.ConfirmOnDanger {
		dangerous = Matches(snippet, settings.DangerousSubstrings)
	}

	if len(dangerous) > 0 {
		p := &store.Pending{Snippet: snippet, Dangerous: dangerous, Target: target, When: g.now()}
		g.store.SetPending(p)
		logger.Warnf("⚠️  Snippet matched %v, waiting for confirmation", dangerous)
		return Outcome{Pending: p}, nil
	}

	session, err := g.inject(ctx, target, snippet+"\n")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Injected: true, Session: session}, nil
}

// Pending returns the parked snippet without consuming it.
func (g *Gate) Pending() *store.Pending {
	return g.store.PeekPending()
}

// Decide consumes the pending snippet. Cancel drops it; proceed replays the
// normal injection path with the original snippet and target.
func (g *Gate) Decide(ctx context.Context, choice string) (Outcome, error) {
	if choice != ChoiceProceed && choice != ChoiceCancel {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.store.TakePending()
	if p == nil {
		return Outcome{}, ErrNothingPending
	}
	if choice == ChoiceCancel {
		logger.Infof("🚫 Cancelled pending snippet")
		return Outcome{Cancelled: true, Pending: p}, nil
	}

	session, err := g.inject(ctx, p.Target, p.Snippet+"\n")
	if err != nil {
		return Outcome{Pending: p}, err
	}
	return Outcome{Injected: true, Session: session, Pending: p}, nil
}
