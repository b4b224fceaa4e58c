//go:build !windows

package ptyhost

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/vanpelt/rit/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	defaultShell = "/bin/bash"
	platformName = "posix-pty"
)

// PTYSpawner starts login shells on real pseudo-terminals.
type PTYSpawner struct{}

// NewPTYSpawner returns the platform spawner.
func NewPTYSpawner() Spawner {
	return PTYSpawner{}
}

// Spawn starts the shell in the user's home directory as a session leader so
// the whole process group can be signalled on close.
func (PTYSpawner) Spawn(opts SpawnOptions, out Output) (Process, error) {
	shell := ResolveShell(opts.Shell)
	cols, rows := normalizeSize(opts.Cols, opts.Rows)

	cmd := exec.Command(shell, "-l")
	cmd.Dir = homeDir()
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	// StartWithSize sets Setsid and Setctty, making the shell its own group leader.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}

	p := &ptyProcess{
		cmd:   cmd,
		ptmx:  ptmx,
		shell: shell,
		out:   out,
		done:  make(chan struct{}),
	}
	go p.readLoop()

	logger.Debugf("🐚 Spawned %s pid=%d [%dx%d]", shell, cmd.Process.Pid, cols, rows)
	return p, nil
}

type ptyProcess struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	shell string
	out   Output

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (p *ptyProcess) Shell() string    { return p.shell }
func (p *ptyProcess) Platform() string { return platformName }

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProcess) readLoop() {
	defer close(p.done)

	buf := make([]byte, readChunk)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.out.Data(chunk)
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	// A requested close always reports a clean exit.
	if p.closing.Load() {
		code = 0
	}
	p.out.Exit(code)
}

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		pid := p.cmd.Process.Pid

		if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
			logger.Debugf("⚠️  SIGTERM to group %d failed: %v", pid, err)
			_ = p.cmd.Process.Signal(unix.SIGTERM)
		}

		select {
		case <-p.done:
		case <-time.After(killGrace):
			logger.Warnf("⚠️  Shell group %d ignored SIGTERM, sending SIGKILL", pid)
			_ = unix.Kill(-pid, unix.SIGKILL)
		}

		// Releasing the master unblocks a reader held open by a lingering child.
		_ = p.ptmx.Close()
		<-p.done
	})
	return nil
}
