package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Execute starts the configured process. Cancelling ctx sends the termination
// signal to the process group; the process is killed if it is still alive
// WaitDelay later. The returned reader carries combined stdout and stderr and
// must be drained before calling cmd.Wait.
func Execute(ctx context.Context, execution ExecutionConfig, id string, logger logging.Logger) (*exec.Cmd, io.ReadCloser, error) {
	if err := ValidateExecutionConfig(execution); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	if err := ensureExecutable(execution.ExecutablePath); err != nil {
		return nil, nil, errors.NewIOError("failed to ensure process is executable", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	workDir := execution.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(execution.ExecutablePath)
		if err != nil {
			return nil, nil, errors.NewIOError("failed to get absolute path", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, execution.ExecutablePath, execution.Args, workDir)

	cmd := exec.CommandContext(ctx, execution.ExecutablePath, execution.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), execution.Environment...)

	setupProcessAttributes(cmd)

	cmd.Cancel = func() error {
		return SendTerminationSignal(cmd.Process.Pid)
	}
	// wait after sending the termination signal, before sending the kill signal
	cmd.WaitDelay = execution.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.NewIOError("failed to create stdout pipe", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.NewUnitError("failed to start the process", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

	return cmd, stdout, nil
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
