package runregistry

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Handle is a live process owned by a run.
type Handle interface {
	PID() int

	// Poll reports the return code once the process has exited. It never blocks.
	Poll() (code int, exited bool)

	Signal(sig os.Signal) error
}

// ExitCode converts a finished process state into a return code. Processes
// killed by a signal report the negated signal number, so SIGTERM is -15.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// cmdHandle owns a started *exec.Cmd and reaps it in the background.
type cmdHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int

	onExit func(code int)
}

// newCmdHandle takes ownership of a started command. onExit runs once, on the
// reaping goroutine, after the exit code is recorded.
func newCmdHandle(cmd *exec.Cmd, onExit func(code int)) *cmdHandle {
	h := &cmdHandle{cmd: cmd, done: make(chan struct{}), onExit: onExit}
	go h.wait()
	return h
}

func (h *cmdHandle) wait() {
	_ = h.cmd.Wait()
	code := ExitCode(h.cmd.ProcessState)

	h.mu.Lock()
	h.code = code
	h.mu.Unlock()
	close(h.done)

	if h.onExit != nil {
		h.onExit(code)
	}
}

func (h *cmdHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.code, true
	default:
		return 0, false
	}
}

func (h *cmdHandle) Signal(sig os.Signal) error {
	select {
	case <-h.done:
		return os.ErrProcessDone
	default:
	}
	return h.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits or ctx is done.
func (h *cmdHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		code, _ := h.Poll()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
