//go:build unix

package ptyhost

import (
	"os"

	"golang.org/x/sys/unix"
)

// ProtocolStdout reserves the process stdout for frames. It returns a
// private handle on the original stdout and points fd 1 at stderr, so a
// stray print from anywhere in the helper lands in the log instead of
// corrupting the frame stream.
func ProtocolStdout() (*os.File, error) {
	saved, err := unix.Dup(int(os.Stdout.Fd()))
	if err != nil {
		return nil, err
	}
	// unix.Dup2 works on all Unix platforms including Linux arm64
	if err := unix.Dup2(int(os.Stderr.Fd()), int(os.Stdout.Fd())); err != nil {
		unix.Close(saved)
		return nil, err
	}
	unix.CloseOnExec(saved)
	return os.NewFile(uintptr(saved), "protocol-stdout"), nil
}
