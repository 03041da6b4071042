package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/picotest/picotest/internal/sentinel"
)

// ErrAlreadyStarted is returned by Start when the handle already owns a
// running process.
const ErrAlreadyStarted = sentinel.Error("process already started")

// ErrNilCmd is returned by Start when cmd is nil.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// DefaultStopTimeout bounds a stop sequence when the caller supplies no
// explicit timeout.
const DefaultStopTimeout = 10 * time.Second

// termGracePeriod is how long a process gets after SIGTERM before the
// escalation to SIGKILL. Clamped to the overall stop timeout.
const termGracePeriod = 5 * time.Second

// killDrainTimeout is the hard upper bound for collecting the exit status
// after SIGKILL. SIGKILL cannot be caught, so this only fires if cmd.Wait
// itself hangs on stuck I/O.
const killDrainTimeout = 10 * time.Second

// Handle owns one external process: the command, the single cmd.Wait
// goroutine, and the log files capturing its output.
//
// Start and Stop are serialized internally, so a teardown racing an
// explicit per-instance stop is safe: whichever Stop claims the process
// runs the termination sequence, the other returns nil immediately.
type Handle struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone <-chan error    // receives the cmd.Wait result exactly once
	exited   <-chan struct{} // closed on process exit; safe for many readers

	stdout *os.File
	stderr *os.File
}

// NewHandle creates a Handle for a process with the given name. The name
// appears in log file names and error messages. If logger is nil,
// slog.Default() is used. Panics on an empty name.
func NewHandle(name string, logger *slog.Logger) *Handle {
	if name == "" {
		panic("picotest: process name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{name: name, log: logger}
}

// StdoutPath returns the stdout log path for this process inside dir.
func (h *Handle) StdoutPath(dir string) string {
	return filepath.Join(dir, h.name+".stdout.log")
}

// StderrPath returns the stderr log path for this process inside dir.
func (h *Handle) StderrPath(dir string) string {
	return filepath.Join(dir, h.name+".stderr.log")
}

// Start launches cmd with its working directory and output capture set
// up, and spawns the single cmd.Wait goroutine. cmd.Wait must be called
// exactly once per started process; starting the goroutine here
// guarantees that and gives Stop a channel to consume.
func (h *Handle) Start(cmd *exec.Cmd, dir string) error {
	if cmd == nil {
		return ErrNilCmd
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil {
		return ErrAlreadyStarted
	}
	if dir == "" {
		return errors.New("process dir must not be empty")
	}

	stdout, err := os.Create(h.StdoutPath(dir))
	if err != nil {
		return fmt.Errorf("create %s stdout log: %w", h.name, err)
	}
	stderr, err := os.Create(h.StderrPath(dir))
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("create %s stderr log: %w", h.name, err)
	}

	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("start %s process: %w", h.name, err)
	}

	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()

	h.cmd = cmd
	h.waitDone = done
	h.exited = exited
	h.stdout = stdout
	h.stderr = stderr
	return nil
}

// Pid returns the process id, or 0 if no process is running.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// IsStarted reports whether the handle owns a started, not yet stopped
// process.
func (h *Handle) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd != nil
}

// Exited returns a channel closed when the process exits, or nil if no
// process has been started. Safe to select on from any goroutine.
func (h *Handle) Exited() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Stop terminates the process: SIGTERM, a grace period, then SIGKILL,
// bounded by timeout overall. A process that is already gone is a
// successful stop. After Stop returns, the handle is reusable via Start
// and log files are closed. Calling Stop with no running process,
// including concurrently with another Stop, is a no-op.
func (h *Handle) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	// Claim the process under the lock, then terminate outside it so a
	// concurrent caller is never blocked for the stop timeout.
	h.mu.Lock()
	cmd, done := h.cmd, h.waitDone
	stdout, stderr := h.stdout, h.stderr
	h.cmd = nil
	h.waitDone = nil
	h.exited = nil
	h.stdout = nil
	h.stderr = nil
	h.mu.Unlock()

	defer closeLogs(stdout, stderr)

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if err := h.terminate(cmd, done, timeout); err != nil {
		h.log.Warn("process stop failed; process may be orphaned",
			"process", h.name, "pid", pid, "error", err)
		return err
	}
	return nil
}

// terminate runs the SIGTERM-grace-SIGKILL sequence against a process
// whose cmd.Wait goroutine feeds done.
func (h *Handle) terminate(cmd *exec.Cmd, done <-chan error, timeout time.Duration) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already exited; drain the wait goroutine with a hard
		// upper bound so a stuck cmd.Wait cannot block forever.
		ok, waitErr := drainDone(done, killDrainTimeout)
		if !ok {
			return fmt.Errorf("%s: timed out draining process after signal failure", h.name)
		}
		return expectSignalExit(waitErr, h.name)
	}

	// Escalate to SIGKILL after the grace period unless the process
	// exits first. The grace is clamped to timeout so the kill always
	// fires while the total timer is still running.
	grace := min(termGracePeriod, timeout)
	killTimer := time.AfterFunc(grace, func() {
		// Kill on an already-finished process returns a harmless
		// "process already finished" error.
		_ = cmd.Process.Kill()
	})
	defer killTimer.Stop()

	totalTimer := time.NewTimer(timeout)
	defer totalTimer.Stop()

	select {
	case err := <-done:
		return expectSignalExit(err, h.name)
	case <-totalTimer.C:
		ok, waitErr := drainDone(done, killDrainTimeout)
		if !ok {
			return fmt.Errorf("%s: timed out waiting for process to exit after SIGKILL", h.name)
		}
		if err := expectSignalExit(waitErr, h.name); err != nil {
			return fmt.Errorf("%s stop timeout: %w", h.name, err)
		}
		return nil
	}
}

// closeLogs closes the claimed log file handles.
func closeLogs(stdout, stderr *os.File) {
	if stdout != nil {
		_ = stdout.Close()
	}
	if stderr != nil {
		_ = stderr.Close()
	}
}

// drainDone reads from done with timeout as a hard upper bound. Returns
// true and the cmd.Wait error when the channel delivered in time.
func drainDone(done <-chan error, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return true, err
	case <-t.C:
		return false, nil
	}
}

// expectSignalExit interprets a cmd.Wait error after a termination
// signal. Exits caused by SIGTERM or SIGKILL are successful stops.
func expectSignalExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if sig := status.Signal(); sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
