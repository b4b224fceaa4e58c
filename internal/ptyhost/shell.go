package ptyhost

import (
	"errors"
	"os"
	"time"
)

// Default window size used when an open frame omits one.
const (
	DefaultCols = 100
	DefaultRows = 30
)

// readChunk bounds a single data frame.
const readChunk = 8192

// killGrace is how long a terminated shell gets before SIGKILL.
var killGrace = 2 * time.Second

var ErrUnsupported = errors.New("ptyhost: pseudo-terminals are not supported on this platform")

// SpawnOptions describe the shell to start.
type SpawnOptions struct {
	Shell string
	Cols  int
	Rows  int
}

// Output receives everything a running shell produces. Data is called from a
// single goroutine in PTY order; Exit is called exactly once, after the last
// Data.
type Output interface {
	Data(p []byte)
	Exit(code int)
}

// Process is a running shell attached to a pseudo-terminal.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	// Close terminates the shell and blocks until Exit has been delivered.
	Close() error
	Shell() string
	Platform() string
}

// Spawner starts shells. The real implementation uses creack/pty; tests
// substitute fakes.
type Spawner interface {
	Spawn(opts SpawnOptions, out Output) (Process, error)
}

// ResolveShell picks the shell to run: an explicit override, else $SHELL,
// else /bin/bash.
func ResolveShell(override string) string {
	if override != "" {
		return override
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return defaultShell
}

// homeDir is where every shell starts.
func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/"
}

func normalizeSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return cols, rows
}
