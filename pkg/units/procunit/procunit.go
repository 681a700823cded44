// Package procunit provides a managed unit backed by an OS process.
package procunit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const DefaultGracefulTimeout = 10 * time.Second

type Config struct {
	Execution       process.ExecutionConfig `yaml:"execution"`
	GracefulTimeout time.Duration           `yaml:"graceful_timeout,omitempty"`
	// PIDDirectory receives <id>.pid while the process runs, empty disables PID files
	PIDDirectory string `yaml:"pid_directory,omitempty"`
}

// Unit runs one process per awakening. An exit that was not requested through
// Stop is reported as an error event and drops the unit's health to zero.
type Unit struct {
	id     string
	config Config
	clock  quartz.Clock
	logger logging.Logger

	mutex      sync.Mutex
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	done       chan struct{}
	stopping   bool
	starts     int
	exits      int
	lastExit   error
	handlers   map[int]units.EventHandler
	nextHandle int
}

func New(id string, config Config, clock quartz.Clock, logger logging.Logger) *Unit {
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = DefaultGracefulTimeout
	}
	if config.Execution.WaitDelay <= 0 {
		config.Execution.WaitDelay = config.GracefulTimeout
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Unit{
		id:       id,
		config:   config,
		clock:    clock,
		logger:   logger,
		handlers: make(map[int]units.EventHandler),
	}
}

func (u *Unit) Start(ctx context.Context) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.cmd != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("process start cancelled", err).WithContext("id", u.id)
	}

	// the process outlives the start hook, so it gets its own context
	processCtx, cancel := context.WithCancel(context.Background())
	cmd, output, err := process.Execute(processCtx, u.config.Execution, u.id, u.logger)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	u.cmd = cmd
	u.cancel = cancel
	u.done = done
	u.stopping = false
	u.starts++

	if u.config.PIDDirectory != "" {
		pidFile := process.PIDFilePath(u.config.PIDDirectory, u.id)
		if err := process.WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
			u.logger.Warnf("Failed to write PID file, id: %s, error: %v", u.id, err)
		} else {
			u.logger.Debugf("PID file written, id: %s, PID: %d, path: %s", u.id, cmd.Process.Pid, pidFile)
		}
	}

	go u.wait(cmd, output, done)
	return nil
}

func (u *Unit) wait(cmd *exec.Cmd, output io.ReadCloser, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		u.logger.Infof("%s", scanner.Text())
	}

	err := cmd.Wait()

	if u.config.PIDDirectory != "" {
		if removeErr := process.RemovePIDFile(process.PIDFilePath(u.config.PIDDirectory, u.id)); removeErr != nil {
			u.logger.Warnf("Failed to remove PID file, id: %s, error: %v", u.id, removeErr)
		}
	}

	u.mutex.Lock()
	requested := u.stopping
	if u.cancel != nil {
		u.cancel()
	}
	u.cmd = nil
	u.cancel = nil
	if !requested {
		u.exits++
		u.lastExit = err
	}
	u.mutex.Unlock()

	if requested {
		u.logger.Infof("Process stopped, id: %s, PID: %d", u.id, cmd.Process.Pid)
		return
	}

	cause := err
	if cause == nil {
		cause = fmt.Errorf("process exited unexpectedly")
	}
	u.logger.Warnf("Process exited unexpectedly, id: %s, PID: %d, error: %v", u.id, cmd.Process.Pid, cause)
	u.emit(units.Event{
		Kind:      units.EventError,
		Timestamp: u.clock.Now(),
		Message:   "process exited unexpectedly",
		Err:       errors.NewUnitError("process exited unexpectedly", cause).WithContext("id", u.id),
	})
}

// Stop sends the termination signal and waits for the process to exit. The
// process is killed after the graceful timeout; Stop returns early if ctx ends.
func (u *Unit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	if u.cmd == nil {
		u.mutex.Unlock()
		return nil
	}
	u.stopping = true
	cancel, done := u.cancel, u.done
	u.mutex.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("process stop interrupted", ctx.Err()).WithContext("id", u.id)
	}
}

func (u *Unit) Status(ctx context.Context) (units.UnitStatus, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	health := 0.0
	if u.cmd != nil && u.cmd.Process != nil {
		// the process may be gone before wait has observed it
		if running, err := process.IsRunning(u.cmd.Process.Pid); err != nil || running {
			health = 1.0
		}
	}
	return units.UnitStatus{Health: health, ErrorCount: u.exits, RunCount: u.starts}, nil
}

// LastExit returns the error of the last unexpected exit
func (u *Unit) LastExit() error {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.lastExit
}

// PID returns the PID of the running process, or 0
func (u *Unit) PID() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.cmd == nil || u.cmd.Process == nil {
		return 0
	}
	return u.cmd.Process.Pid
}

func (u *Unit) Subscribe(handler units.EventHandler) func() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	id := u.nextHandle
	u.nextHandle++
	u.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			u.mutex.Lock()
			defer u.mutex.Unlock()
			delete(u.handlers, id)
		})
	}
}

func (u *Unit) emit(event units.Event) {
	u.mutex.Lock()
	handlers := make([]units.EventHandler, 0, len(u.handlers))
	for _, handler := range u.handlers {
		handlers = append(handlers, handler)
	}
	u.mutex.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

var (
	_ units.Unit       = (*Unit)(nil)
	_ units.Observable = (*Unit)(nil)
)
