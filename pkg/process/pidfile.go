package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

// DefaultAppName names the PID file subdirectory
const DefaultAppName = "hsu-orchestrator"

// DefaultPIDDirectory returns the per-user runtime directory for PID files
func DefaultPIDDirectory() string {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			return filepath.Join(os.TempDir(), DefaultAppName)
		}
		return filepath.Join(localAppData, DefaultAppName)

	case "darwin":
		return filepath.Join(os.TempDir(), DefaultAppName)

	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return filepath.Join(runtimeDir, DefaultAppName)
		}
		return filepath.Join("/tmp", DefaultAppName)
	}
}

// PIDFilePath returns the PID file of a unit within directory
func PIDFilePath(directory string, id string) string {
	return filepath.Join(directory, id+".pid")
}

// WritePIDFile writes pid to path, creating the directory when needed
func WritePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	return nil
}

// ReadPIDFile reads the PID stored at path
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("pid_file", path)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file; a missing file is not an error
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}
