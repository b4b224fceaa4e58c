// Package store persists the broker state that must outlive a restart: which
// sessions were ready, their display names, and a pending confirmation.
package store

import (
	"context"
	"sort"
	"time"
)

// Pending is a one-shot injection awaiting user confirmation.
type Pending struct {
	Snippet   string    `json:"snippet"`
	Dangerous []string  `json:"dangerous,omitempty"`
	Target    string    `json:"target,omitempty"`
	When      time.Time `json:"when"`
}

// State is the persisted record.
type State struct {
	Ready   []string          `json:"ready"`
	Names   map[string]string `json:"names"`
	Pending *Pending          `json:"pending,omitempty"`
}

// Backend reads and writes a whole State.
type Backend interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}

func emptyState() State {
	return State{Ready: []string{}, Names: map[string]string{}}
}

// normalize fills nil collections and sorts the ready set.
func (s State) normalize() State {
	if s.Ready == nil {
		s.Ready = []string{}
	}
	if s.Names == nil {
		s.Names = map[string]string{}
	}
	sort.Strings(s.Ready)
	return s
}

func (s State) clone() State {
	out := State{
		Ready: append([]string{}, s.Ready...),
		Names: make(map[string]string, len(s.Names)),
	}
	for k, v := range s.Names {
		out.Names[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		p.Dangerous = append([]string(nil), s.Pending.Dangerous...)
		out.Pending = &p
	}
	return out
}
