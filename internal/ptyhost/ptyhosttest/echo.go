// Package ptyhosttest provides an in-memory shell for exercising the helper
// protocol without a real pseudo-terminal.
package ptyhosttest

import (
	"errors"
	"sync"

	"github.com/vanpelt/rit/internal/ptyhost"
)

var ErrClosed = errors.New("ptyhosttest: shell closed")

// EchoSpawner starts shells that echo every write back as output.
type EchoSpawner struct {
	// Prompt, when set, is emitted once as soon as a shell starts.
	Prompt string
	// Fail makes every Spawn return this error.
	Fail error

	mu     sync.Mutex
	shells []*EchoShell
}

// Spawn implements ptyhost.Spawner.
func (s *EchoSpawner) Spawn(opts ptyhost.SpawnOptions, out ptyhost.Output) (ptyhost.Process, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	shell := &EchoShell{
		opts:  opts,
		out:   out,
		shell: ptyhost.ResolveShell(opts.Shell),
		cols:  opts.Cols,
		rows:  opts.Rows,
	}
	s.mu.Lock()
	s.shells = append(s.shells, shell)
	s.mu.Unlock()

	if s.Prompt != "" {
		out.Data([]byte(s.Prompt))
	}
	return shell, nil
}

// Shells returns every shell started so far.
func (s *EchoSpawner) Shells() []*EchoShell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*EchoShell(nil), s.shells...)
}

// Last returns the most recently started shell, or nil.
func (s *EchoSpawner) Last() *EchoShell {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shells) == 0 {
		return nil
	}
	return s.shells[len(s.shells)-1]
}

// EchoShell is a fake Process.
type EchoShell struct {
	opts  ptyhost.SpawnOptions
	out   ptyhost.Output
	shell string

	mu      sync.Mutex
	written []byte
	cols    int
	rows    int
	exited  bool
}

func (e *EchoShell) Shell() string    { return e.shell }
func (e *EchoShell) Platform() string { return "echo" }

// Options returns what the shell was spawned with.
func (e *EchoShell) Options() ptyhost.SpawnOptions { return e.opts }

func (e *EchoShell) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exited {
		return 0, ErrClosed
	}
	e.written = append(e.written, p...)
	chunk := make([]byte, len(p))
	copy(chunk, p)
	e.out.Data(chunk)
	return len(p), nil
}

func (e *EchoShell) Resize(cols, rows int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cols, e.rows = cols, rows
	return nil
}

// Size reports the last applied window size.
func (e *EchoShell) Size() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Written returns every byte written to the shell.
func (e *EchoShell) Written() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.written...)
}

// Exit simulates the shell ending on its own.
func (e *EchoShell) Exit(code int) {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return
	}
	e.exited = true
	e.mu.Unlock()
	e.out.Exit(code)
}

func (e *EchoShell) Close() error {
	e.Exit(0)
	return nil
}
