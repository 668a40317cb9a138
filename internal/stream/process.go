package stream

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"

	apperrors "github.com/twintrack/recorder/internal/errors"
)

// ErrSuspendUnsupported is returned by handles on platforms without
// OS-level process suspension. The supervisor falls back to dropping
// segments while paused.
var ErrSuspendUnsupported = errors.New("process suspension not supported on this platform")

// ProcessHandle abstracts the running transcription subprocess so tests
// can substitute a fake and pause can degrade gracefully off unix.
type ProcessHandle interface {
	// Output is the merged stdout/stderr of the process. Reaches EOF when
	// the process exits.
	Output() io.Reader
	// Suspend pauses execution without teardown, preserving audio buffers.
	Suspend() error
	// Continue resumes a suspended process.
	Continue() error
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Wait blocks until exit and returns the exit code.
	Wait() int
}

// Launcher starts a transcription subprocess. Injectable for tests.
type Launcher func(ctx context.Context, binary string, args []string) (ProcessHandle, error)

// LaunchExec is the production launcher backed by os/exec.
func LaunchExec(ctx context.Context, binary string, args []string) (ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, apperrors.Wrapf(err, apperrors.CodeCaptureDevice, "starting %s", binary)
	}

	h := &execHandle{cmd: cmd, out: pr, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.exitCode = exitCodeOf(err)
		pw.Close()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd      *exec.Cmd
	out      *io.PipeReader
	done     chan struct{}
	exitCode int

	mu        sync.Mutex
	suspended bool
}

func (h *execHandle) Output() io.Reader { return h.out }

func (h *execHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.suspended {
		// A stopped process cannot handle the terminate signal.
		_ = continueProcess(h.cmd)
		h.suspended = false
	}
	return terminateProcess(h.cmd)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() int {
	<-h.done
	return h.exitCode
}

func (h *execHandle) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.suspended {
		return nil
	}
	if err := suspendProcess(h.cmd); err != nil {
		return err
	}
	h.suspended = true
	return nil
}

func (h *execHandle) Continue() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.suspended {
		return nil
	}
	if err := continueProcess(h.cmd); err != nil {
		return err
	}
	h.suspended = false
	return nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
