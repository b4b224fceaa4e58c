//go:build windows

package ptyhost

import "os"

// ProtocolStdout returns stdout unchanged; fd redirection is unix only.
func ProtocolStdout() (*os.File, error) {
	return os.Stdout, nil
}
