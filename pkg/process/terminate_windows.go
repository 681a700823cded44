//go:build windows

package process

import (
	"fmt"
	"os"
)

// SendTerminationSignal terminates the process; Windows has no SIGTERM equivalent
// for processes without a console
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
