//go:build !windows

package process

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// IsRunning reports whether a process with the given PID exists
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	// FindProcess always succeeds on Unix; signal 0 probes for existence
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, os.ErrProcessDone) {
		return false, nil
	}

	var errno syscall.Errno
	if !stderrors.As(err, &errno) {
		return false, errors.NewInternalError("failed to probe process", err).WithContext("pid", pid)
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		// exists, owned by another user
		return true, nil
	}
	return false, errors.NewInternalError("failed to probe process", err).WithContext("pid", pid)
}
