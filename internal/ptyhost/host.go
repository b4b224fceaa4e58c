// Package ptyhost implements the PTY helper: a small process that owns one
// pseudo-terminal and speaks length-prefixed JSON frames on stdio.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/protocol"
)

// Host serves the helper protocol for at most one shell at a time.
type Host struct {
	spawner Spawner
	log     zerolog.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu     sync.Mutex
	shell  Process
	gen    uint64
	exited uint64
}

// NewHost creates a host that starts shells through spawner.
func NewHost(spawner Spawner) *Host {
	if spawner == nil {
		spawner = NewPTYSpawner()
	}
	return &Host{
		spawner: spawner,
		log:     logger.For("ptyhost"),
	}
}

type readResult struct {
	frame protocol.Frame
	err   error
}

// Serve reads frames from r and writes replies to w until r ends or ctx is
// cancelled. The running shell is closed before Serve returns.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	h.writeMu.Lock()
	h.w = w
	h.writeMu.Unlock()

	defer h.closeShell()

	frames := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			f, err := protocol.ReadFrame(r, 0)
			select {
			case frames <- readResult{frame: f, err: err}:
			case <-stop:
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrInvalidFrame) {
				return
			}
		}
	}()

	h.log.Debug().Msg("helper ready for frames")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-frames:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					h.log.Debug().Msg("EOF from broker, exiting")
					return nil
				}
				if errors.Is(res.err, protocol.ErrInvalidFrame) {
					h.log.Warn().Err(res.err).Msg("dropping invalid frame")
					h.sendError(res.err.Error())
					continue
				}
				return fmt.Errorf("read frame: %w", res.err)
			}
			h.dispatch(res.frame)
		}
	}
}

func (h *Host) dispatch(f protocol.Frame) {
	h.log.Debug().Str("type", f.Type).Msg("recv")

	switch f.Type {
	case protocol.FrameOpen:
		h.open(f)
	case protocol.FrameStdin:
		shell := h.current()
		if shell == nil {
			h.sendError("stdin before open")
			return
		}
		if _, err := shell.Write(f.Data); err != nil {
			h.log.Warn().Err(err).Msg("write error")
			h.sendError(err.Error())
		}
	case protocol.FrameResize:
		if shell := h.current(); shell != nil {
			if err := shell.Resize(f.Cols, f.Rows); err != nil {
				h.log.Warn().Err(err).Msg("resize error")
			}
		}
	case protocol.FrameClose:
		h.closeShell()
	case protocol.FramePing:
		h.send(protocol.Frame{Type: protocol.FramePong})
	default:
		h.sendError("unknown:" + f.Type)
	}
}

func (h *Host) open(f protocol.Frame) {
	h.closeShell()

	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	shell, err := h.spawner.Spawn(SpawnOptions{Shell: f.Shell, Cols: f.Cols, Rows: f.Rows}, &shellOutput{host: h, gen: gen})
	if err != nil {
		h.log.Error().Err(err).Str("shell", f.Shell).Msg("❌ Failed to spawn shell")
		h.sendError(fmt.Sprintf("spawn failed: %v", err))
		return
	}

	h.mu.Lock()
	if h.exited != gen {
		h.shell = shell
	}
	h.mu.Unlock()

	h.log.Info().Str("shell", shell.Shell()).Str("session", f.Session).Msg("✅ Shell ready")
	h.send(protocol.Frame{
		Type:     protocol.FrameReady,
		Platform: shell.Platform(),
		Shell:    shell.Shell(),
		Session:  f.Session,
	})
}

func (h *Host) current() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shell
}

// closeShell terminates the running shell, if any. Its exit frame is sent by
// the shell's own output before Close returns.
func (h *Host) closeShell() {
	h.mu.Lock()
	shell := h.shell
	h.shell = nil
	h.mu.Unlock()

	if shell != nil {
		_ = shell.Close()
	}
}

func (h *Host) send(f protocol.Frame) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.w == nil {
		return
	}
	if err := protocol.WriteFrame(h.w, f); err != nil {
		h.log.Warn().Err(err).Str("type", f.Type).Msg("send failed")
	}
}

func (h *Host) sendError(message string) {
	h.send(protocol.Frame{Type: protocol.FrameError, Message: message})
}

// shellOutput forwards one shell's output as frames.
type shellOutput struct {
	host *Host
	gen  uint64
}

func (o *shellOutput) Data(p []byte) {
	o.host.send(protocol.Frame{Type: protocol.FrameData, Data: p})
}

func (o *shellOutput) Exit(code int) {
	h := o.host
	h.mu.Lock()
	h.exited = o.gen
	if h.gen == o.gen {
		h.shell = nil
	}
	h.mu.Unlock()

	h.log.Info().Int("code", code).Msg("🚪 Shell exited")
	h.send(protocol.Frame{Type: protocol.FrameExit, Code: protocol.IntPtr(code)})
}
