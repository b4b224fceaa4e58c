package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxFrame bounds a single helper frame body.
const DefaultMaxFrame = 1 << 20 // 1 MiB

// MaxStdinChunk is the largest stdin payload sent in one frame; base64
// grows it by a third, leaving room for the JSON envelope.
const MaxStdinChunk = 512 << 10

var (
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Frame types sent from the broker to the PTY helper.
const (
	FrameOpen   = "open"
	FrameStdin  = "stdin"
	FrameResize = "resize"
	FrameClose  = "close"
	FramePing   = "ping"
)

// Frame types sent from the PTY helper to the broker.
const (
	FrameReady = "ready"
	FrameData  = "data"
	FrameExit  = "exit"
	FramePong  = "pong"
	FrameError = "error"
)

// Frame is one message on the helper's stdio channel. Data is raw bytes and
// travels base64 encoded because the channel is JSON.
type Frame struct {
	Type     string `json:"type"`
	Shell    string `json:"shell,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Session  string `json:"session,omitempty"`
	Data     []byte `json:"data_b64,omitempty"`
	Code     *int   `json:"code,omitempty"`
	Platform string `json:"platform,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Validate checks the fields each frame type requires.
func (f Frame) Validate() error {
	switch strings.TrimSpace(f.Type) {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	case FrameResize:
		if f.Cols < 0 || f.Rows < 0 {
			return fmt.Errorf("%w: negative size %dx%d", ErrInvalidFrame, f.Cols, f.Rows)
		}
	}
	return nil
}

// ExitCode returns the exit code carried by an exit frame, or -1 when unknown.
func (f Frame) ExitCode() int {
	if f.Code == nil {
		return -1
	}
	return *f.Code
}

// IntPtr is a small helper for optional exit codes.
func IntPtr(v int) *int {
	return &v
}

// WriteFrame writes a 4-byte little-endian length prefix followed by the JSON body.
func WriteFrame(w io.Writer, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	// single write so concurrent writers serialized by the caller never interleave a header
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. io.EOF is returned unwrapped when the stream ends
// cleanly between frames.
func ReadFrame(r io.Reader, maxFrameSize int) (Frame, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if size == 0 {
		return Frame{}, fmt.Errorf("%w: empty body", ErrInvalidFrame)
	}
	if size > limit {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
