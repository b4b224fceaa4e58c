//go:build windows

package ptyhost

const (
	defaultShell = `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`
	platformName = "win-pty"
)

// PTYSpawner reports ErrUnsupported; the helper still answers ping and
// reports a spawn error for open.
type PTYSpawner struct{}

// NewPTYSpawner returns the platform spawner.
func NewPTYSpawner() Spawner {
	return PTYSpawner{}
}

func (PTYSpawner) Spawn(SpawnOptions, Output) (Process, error) {
	return nil, ErrUnsupported
}
