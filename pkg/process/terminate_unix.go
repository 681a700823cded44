//go:build !windows

package process

import "syscall"

// SendTerminationSignal sends SIGTERM to the process group of pid
func SendTerminationSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
