package terminal

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

// Glyph attribute bits as laid out by vt10x.
const (
	attrReverse = 1 << iota
	attrUnderline
	attrBold
	attrGfx
	attrItalic
	attrBlink
)

// Screen is a headless terminal emulator fed with PTY output. It answers
// snapshot requests without keeping the raw byte history.
type Screen struct {
	mu    sync.Mutex
	vt    vt10x.Terminal
	cols  int
	rows  int
	carry []byte
}

// NewScreen creates an emulator of the given size.
func NewScreen(cols, rows int) *Screen {
	return &Screen{
		vt:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds PTY output through the emulator. A multi-byte rune split
// across writes is held until the rest arrives.
func (s *Screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.carry) > 0 {
		data = append(s.carry, data...)
		s.carry = nil
	}
	n, _ := s.vt.Write(data)
	if n < len(data) && len(data)-n < 4 {
		s.carry = append([]byte(nil), data[n:]...)
	}
}

// Resize updates the emulator dimensions.
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	s.vt.Resize(cols, rows)
}

// Size returns the emulator dimensions.
func (s *Screen) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Render returns the visible text without escape sequences, trailing blank
// lines trimmed.
func (s *Screen) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()

	cols, rows := s.vt.Size()
	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		var line strings.Builder
		for col := 0; col < cols; col++ {
			cell := s.vt.Cell(col, row)
			if cell.Char == 0 {
				line.WriteRune(' ')
			} else {
				line.WriteRune(cell.Char)
			}
		}
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}

	last := len(lines) - 1
	for last >= 0 && lines[last] == "" {
		last--
	}
	return strings.Join(lines[:last+1], "\n")
}

// Snapshot serializes the screen as ANSI sequences that repaint it on a
// fresh terminal: clear, every cell with its colors and attributes, then the
// cursor position.
func (s *Screen) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()

	var buf bytes.Buffer
	cols, rows := s.vt.Size()

	buf.WriteString("\x1b[2J")
	buf.WriteString("\x1b[H")

	lastFG, lastBG, lastMode := vt10x.DefaultFG, vt10x.DefaultBG, int16(0)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cell := s.vt.Cell(col, row)

			if cell.FG != lastFG || cell.BG != lastBG || cell.Mode != lastMode {
				buf.WriteString("\x1b[0m")
				writeSGR(&buf, cell)
				lastFG, lastBG, lastMode = cell.FG, cell.BG, cell.Mode
			}

			if cell.Char == 0 {
				buf.WriteRune(' ')
			} else {
				buf.WriteRune(cell.Char)
			}
		}
		if row < rows-1 {
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\x1b[0m")

	cursor := s.vt.Cursor()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", cursor.Y+1, cursor.X+1)
	if !s.vt.CursorVisible() {
		buf.WriteString("\x1b[?25l")
	}
	return buf.Bytes()
}

func writeSGR(buf *bytes.Buffer, cell vt10x.Glyph) {
	fg, bg := cell.FG, cell.BG
	if cell.Mode&attrBold != 0 {
		buf.WriteString("\x1b[1m")
	}
	if cell.Mode&attrItalic != 0 {
		buf.WriteString("\x1b[3m")
	}
	if cell.Mode&attrUnderline != 0 {
		buf.WriteString("\x1b[4m")
	}
	if cell.Mode&attrBlink != 0 {
		buf.WriteString("\x1b[5m")
	}
	if cell.Mode&attrReverse != 0 {
		// vt10x stores reversed cells with colors already swapped
		fg, bg = bg, fg
		buf.WriteString("\x1b[7m")
	}
	if fg != vt10x.DefaultFG && fg < 256 {
		fmt.Fprintf(buf, "\x1b[38;5;%dm", fg)
	}
	if bg != vt10x.DefaultBG && bg < 256 {
		fmt.Fprintf(buf, "\x1b[48;5;%dm", bg)
	}
}
