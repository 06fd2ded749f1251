// Package ptychild owns a pseudo-terminal pair and the child process
// attached to it, per spec.md §4.2. It exposes exactly four
// capabilities: read, write, resize, and signal.
//
// Grounded on agent-deck's internal/tmux/pty.go and internal/web/
// terminal_bridge.go (both wrap github.com/creack/pty around an
// *exec.Cmd and track the master fd as *os.File), generalized to spawn
// the tool binary directly instead of attaching to a tmux pane.
package ptychild

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// SpawnErrorKind enumerates the failure modes in spec.md §4.2.
type SpawnErrorKind string

const (
	BinaryNotFound    SpawnErrorKind = "BinaryNotFound"
	WorkingDirInvalid SpawnErrorKind = "WorkingDirInvalid"
	PtyOpenFailed     SpawnErrorKind = "PtyOpenFailed"
	ForkFailed        SpawnErrorKind = "ForkFailed"
)

// SpawnError carries a machine-readable kind alongside the underlying
// cause, per spec.md §7 ("short reason string and a machine-readable
// code").
type SpawnError struct {
	Kind SpawnErrorKind
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes how to spawn a child attached to a PTY.
type Spec struct {
	Binary     string
	Argv       []string
	WorkingDir string
	Env        []string // appended to os.Environ()
	Cols, Rows uint16
}

// Child is a running PTY-attached process.
type Child struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu        sync.Mutex
	closeOnce sync.Once
}

// Spawn builds a PTY pair and forks the child with its controlling
// terminal set to the slave side, per spec.md §4.2.
func Spawn(spec Spec) (*Child, error) {
	if spec.Cols == 0 {
		spec.Cols = 80
	}
	if spec.Rows == 0 {
		spec.Rows = 24
	}

	binPath, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, &SpawnError{Kind: BinaryNotFound, Err: err}
	}

	if spec.WorkingDir != "" {
		info, statErr := os.Stat(spec.WorkingDir)
		if statErr != nil || !info.IsDir() {
			if statErr == nil {
				statErr = fmt.Errorf("%s is not a directory", spec.WorkingDir)
			}
			return nil, &SpawnError{Kind: WorkingDirInvalid, Err: statErr}
		}
	}

	cmd := exec.Command(binPath, spec.Argv...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(append([]string(nil), os.Environ()...), spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		if cmd.Process == nil {
			return nil, &SpawnError{Kind: PtyOpenFailed, Err: err}
		}
		return nil, &SpawnError{Kind: ForkFailed, Err: err}
	}

	return &Child{cmd: cmd, ptmx: ptmx}, nil
}

// Read reads raw bytes from the child's output. It never assembles
// lines or validates UTF-8. io.EOF (or a wrapped PathError on a closed
// fd) means the child has closed its terminal side.
func (c *Child) Read(buf []byte) (int, error) {
	return c.ptmx.Read(buf)
}

// Write sends bytes to the child's stdin. Writes are not coalesced;
// callers (the Input Mux) serialize concurrent writers themselves.
func (c *Child) Write(data []byte) (int, error) {
	return c.ptmx.Write(data)
}

// Resize updates the PTY window size and delivers SIGWINCH to the
// child. A resize to the currently set size is a no-op: no ioctl, no
// signal, per spec.md §8 boundary behavior.
func (c *Child) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := pty.GetsizeFull(c.ptmx)
	if err == nil && current.Cols == cols && current.Rows == rows {
		return nil
	}

	if err := pty.Setsize(c.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(unix.SIGWINCH)
	}
	return nil
}

// SignalKind is the set of termination signals spec.md §4.2 defines.
type SignalKind int

const (
	Term SignalKind = iota
	Kill
)

// Signal sends SIGTERM (Term, returns immediately) or SIGKILL (Kill)
// to the child. It does not wait for exit; the Supervisor's reaper
// collects the exit code.
func (c *Child) Signal(kind SignalKind) error {
	if c.cmd.Process == nil {
		return errors.New("child has no process")
	}
	sig := syscall.SIGTERM
	if kind == Kill {
		sig = syscall.SIGKILL
	}
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal child: %w", err)
	}
	return nil
}

// Wait blocks until the child exits and returns its exit code. It is
// safe to call concurrently with Read/Write/Resize/Signal. Only the
// first call waits on the process; a later call returns -1 and the
// error from os/exec.
func (c *Child) Wait() (int, error) {
	err := c.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Close closes the PTY master. Safe to call multiple times.
func (c *Child) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ptmx.Close()
	})
	return err
}

// Pid returns the child's process id, or 0 if it has not started.
func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
