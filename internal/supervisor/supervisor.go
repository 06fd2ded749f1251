// Package supervisor is the composition root for a single session, per
// spec.md §4.5. It owns the PTY child, the Log Ring, the Input Mux, and
// the Attach Server for one session; runs the read loop and the
// reaper; and enforces the SessionStatus state machine, including the
// stop/exit race rule that makes an explicit stop and a spontaneous
// child exit commute.
//
// Grounded on original_source's session/manager.rs (run_pty_io, the
// spawn/stop sequencing, and the Stopping->Stopped persistence on
// reap), restructured around golang.org/x/sync/errgroup the way the
// teacher repo's own task-coordination code favors a small owned group
// of goroutines over manual WaitGroup bookkeeping.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lineforge/lineforge/internal/attachserver"
	"github.com/lineforge/lineforge/internal/inputmux"
	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/logring"
	"github.com/lineforge/lineforge/internal/ptychild"
	"github.com/lineforge/lineforge/internal/session"
	"github.com/lineforge/lineforge/internal/sidecar"
)

// ReapTimeout is how long the reaper waits for the child to exit after
// SIGTERM before escalating to SIGKILL, per spec.md §4.5.
const ReapTimeout = 5 * time.Second

// RunningGraceWindow is the fallback "started" timer: if the child has
// not produced its first output byte within this window, Starting
// still advances to Running, per spec.md §3.
const RunningGraceWindow = 50 * time.Millisecond

const ringCapacity = 10000

// ErrNotRunning is returned by SubmitInput when the session's status is
// not Running.
var ErrNotRunning = errors.New("supervisor: session is not running")

// Spec describes a session to spawn.
type Spec struct {
	Label      string
	Tool       session.ToolKind
	WorkingDir string
	ArgvTail   []string
	Yolo       bool
	Cols, Rows uint16

	// binaryOverride substitutes the binary actually exec'd in place of
	// Tool.BinaryName(), for tests that exercise the full Spawn/readLoop
	// path without requiring a real claude/codex install on PATH.
	binaryOverride string
}

// Supervisor is the live, in-process handle for one session.
type Supervisor struct {
	sessionDir string
	sockPath   string

	metaMu sync.Mutex
	meta   session.Meta

	child  *ptychild.Child
	ring   *logring.Ring
	mux    *inputmux.Mux
	attach *attachserver.Server

	log  *slog.Logger
	hook sidecar.Hook

	cancel context.CancelFunc
	done   chan struct{}

	runningOnce sync.Once

	resizeMu   sync.Mutex
	resizeSubs map[int]chan [2]uint16
	resizeNext int
	lastCols   uint16
	lastRows   uint16
}

// Spawn creates a new session: it builds the PTY child, the Log Ring,
// the Input Mux, and the Attach Server, then starts the read loop, the
// mux writer loop, the attach listener, and the reaper. It does not
// return until the Attach Server's listener is bound and accepting,
// per spec.md §4.4's readiness contract.
func Spawn(ctx context.Context, spec Spec, sessionsDir, sockDir string, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = logging.ForComponent(logging.CompSupervisor)
	}
	if spec.Cols == 0 {
		spec.Cols = 80
	}
	if spec.Rows == 0 {
		spec.Rows = 24
	}

	id := session.NewID()
	now := time.Now()
	meta := session.Meta{
		ID:         id,
		Label:      spec.Label,
		Tool:       spec.Tool,
		WorkingDir: spec.WorkingDir,
		ArgvTail:   spec.ArgvTail,
		CreatedAt:  now,
		Status:     session.StatusStarting(),
		StatusAt:   now,
	}

	sessionDir := filepath.Join(sessionsDir, id.String())
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Supervisor{
		sessionDir: sessionDir,
		sockPath:   filepath.Join(sockDir, id.String()+".sock"),
		meta:       meta,
		log:        log.With(slog.String("session_id", id.String())),
		hook:       sidecar.Noop{},
		done:       make(chan struct{}),
		resizeSubs: make(map[int]chan [2]uint16),
		lastCols:   spec.Cols,
		lastRows:   spec.Rows,
	}

	if err := s.persist(); err != nil {
		s.log.Warn("meta_persist_failed", slog.String("error", err.Error()))
	}

	argv := buildArgv(spec)

	binary := spec.Tool.BinaryName()
	if spec.binaryOverride != "" {
		binary = spec.binaryOverride
	}

	child, err := ptychild.Spawn(ptychild.Spec{
		Binary:     binary,
		Argv:       argv,
		WorkingDir: spec.WorkingDir,
		Cols:       spec.Cols,
		Rows:       spec.Rows,
	})
	if err != nil {
		s.finalizeFailed(err.Error())
		return nil, err
	}
	s.child = child

	s.ring = logring.New(ringCapacity, filepath.Join(sessionDir, "output.log"), s.log)
	s.mux = inputmux.New(child)

	attach, err := attachserver.Listen(s.sockPath, s.ring, s.mux, s.log)
	if err != nil {
		_ = child.Signal(ptychild.Kill)
		_ = child.Close()
		s.ring.Close()
		s.finalizeFailed(err.Error())
		return nil, err
	}
	s.attach = attach

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return s.readLoop() })
	eg.Go(func() error { s.mux.Run(egCtx); return nil })
	eg.Go(func() error { s.attach.Serve(egCtx); return nil })

	go s.supervise(eg)
	go s.startRunningGraceTimer()

	return s, nil
}

func buildArgv(spec Spec) []string {
	argv := append([]string(nil), spec.ArgvTail...)
	if spec.Yolo {
		flag := spec.Tool.YoloFlag()
		if flag != "" && !contains(argv, flag) {
			argv = append([]string{flag}, argv...)
		}
	}
	return argv
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// ID returns the session's identifier.
func (s *Supervisor) ID() session.ID { return s.meta.ID }

// Meta returns a snapshot of the session's current metadata.
func (s *Supervisor) Meta() session.Meta {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta
}

// SocketPath returns the attach socket path for this session.
func (s *Supervisor) SocketPath() string { return s.sockPath }

// Done returns a channel closed once the session has fully reaped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Ring exposes the Log Ring for SSE/HTTP collaborators that need a
// snapshot+subscribe view outside the attach socket.
func (s *Supervisor) Ring() *logring.Ring { return s.ring }

// SetHook installs the sidecar Hook invoked for every appended entry
// when this session's tool is Claude. Must be called before Spawn's
// read loop observes its first byte; in practice, immediately after
// Spawn returns.
func (s *Supervisor) SetHook(hook sidecar.Hook) {
	if hook == nil {
		hook = sidecar.Noop{}
	}
	s.hook = hook
}

// SubmitInput forwards data from an HTTP producer into the Input Mux,
// surfacing ErrBackpressure as a 503 after HTTPDeadline, per spec.md
// §4.3. It refuses input once the session has left Running.
func (s *Supervisor) SubmitInput(ctx context.Context, data []byte) error {
	if s.Meta().Status.Phase != session.PhaseRunning {
		return ErrNotRunning
	}
	return s.mux.SubmitWithDeadline(ctx, data, inputmux.HTTPDeadline)
}

// Resize updates the PTY window size and broadcasts it to any
// SubscribeResize listeners (the webapi SSE "resize" event).
func (s *Supervisor) Resize(cols, rows uint16) error {
	if err := s.child.Resize(cols, rows); err != nil {
		return err
	}
	s.broadcastResize(cols, rows)
	return nil
}

// SubscribeResize returns a channel of [cols, rows] pairs, and an
// unsubscribe function. The current size is delivered at once, then a
// pair after every successful Resize call, including one that repeats
// the current size.
// The channel is buffered by 1 and never blocks the resizer: a
// listener that falls behind simply misses intermediate sizes and
// sees only the latest one.
func (s *Supervisor) SubscribeResize() (<-chan [2]uint16, func()) {
	s.resizeMu.Lock()
	id := s.resizeNext
	s.resizeNext++
	ch := make(chan [2]uint16, 1)
	s.resizeSubs[id] = ch
	cols, rows := s.lastCols, s.lastRows
	s.resizeMu.Unlock()

	ch <- [2]uint16{cols, rows}

	return ch, func() {
		s.resizeMu.Lock()
		delete(s.resizeSubs, id)
		s.resizeMu.Unlock()
	}
}

func (s *Supervisor) broadcastResize(cols, rows uint16) {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	s.lastCols, s.lastRows = cols, rows
	for _, ch := range s.resizeSubs {
		select {
		case ch <- [2]uint16{cols, rows}:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- [2]uint16{cols, rows}
		}
	}
}

// Stop requests termination: transitions to Stopping (a no-op if the
// session is already Stopping, Stopped, or Failed, satisfying spec.md
// §8's idempotence requirement), sends SIGTERM, and cancels the run
// context so the mux writer loop and attach listener wind down. If the
// session has not finished within ReapTimeout, the child gets SIGKILL.
func (s *Supervisor) Stop() error {
	applied := s.transition(session.StatusStopping())
	if !applied {
		return nil
	}
	if err := s.persist(); err != nil {
		s.log.Warn("meta_persist_failed", slog.String("error", err.Error()))
	}
	if err := s.child.Signal(ptychild.Term); err != nil {
		s.log.Warn("signal_term_failed", slog.String("error", err.Error()))
	}
	s.cancel()
	go func() {
		select {
		case <-s.done:
		case <-time.After(ReapTimeout):
			s.log.Warn("stop_timeout_escalating_to_kill")
			if err := s.child.Signal(ptychild.Kill); err != nil {
				s.log.Warn("signal_kill_failed", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

func (s *Supervisor) startRunningGraceTimer() {
	t := time.NewTimer(RunningGraceWindow)
	defer t.Stop()
	select {
	case <-t.C:
		s.markRunning()
	case <-s.done:
	}
}

func (s *Supervisor) markRunning() {
	s.runningOnce.Do(func() {
		if s.transition(session.StatusRunning()) {
			if err := s.persist(); err != nil {
				s.log.Warn("meta_persist_failed", slog.String("error", err.Error()))
			}
		}
	})
}

// maxReadRetries and readRetryInitialDelay bound the transient-error
// retry described in spec.md §7: EAGAIN-style PTY read errors get a
// short, doubling backoff before the loop gives up and ends the
// session; anything else is treated as fatal on the first occurrence.
const (
	maxReadRetries        = 3
	readRetryInitialDelay = 5 * time.Millisecond
)

// readLoop repeatedly reads from the PTY and appends to the Log Ring.
// It always returns a non-nil error so the owning errgroup treats its
// completion (EOF or otherwise) as the trigger to cancel the mux and
// attach tasks; the sentinel errReadLoopEnded is not itself a failure.
func (s *Supervisor) readLoop() error {
	isClaude := s.Meta().Tool == session.ToolClaude
	buf := make([]byte, 4096)
	retries := 0
	delay := readRetryInitialDelay
	for {
		n, err := s.child.Read(buf)
		if n > 0 {
			s.markRunning()
			seq := s.ring.Append(buf[:n])
			if isClaude {
				s.hook.Observe(logring.Entry{Sequence: seq, Bytes: append([]byte(nil), buf[:n]...)})
			}
		}
		if err == nil {
			retries = 0
			delay = readRetryInitialDelay
			continue
		}
		if isTransientReadError(err) && retries < maxReadRetries {
			retries++
			logging.Aggregate(logging.CompPTY, "read_retry", slog.String("session_id", s.meta.ID.String()))
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return errReadLoopEnded
	}
}

var errReadLoopEnded = errors.New("supervisor: pty read loop ended")

// isTransientReadError reports whether err is an EAGAIN/EINTR-style PTY
// read failure worth retrying, as opposed to EOF or a closed fd, which
// mean the child is gone for good.
func isTransientReadError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// supervise is the fourth task in spec.md §5's breakdown: it waits for
// the read loop, mux writer, and attach listener to all finish, then
// runs the reaper and records the terminal status.
func (s *Supervisor) supervise(eg *errgroup.Group) {
	err := eg.Wait()
	if err != nil && !errors.Is(err, errReadLoopEnded) {
		s.log.Warn("session_task_error", slog.String("error", err.Error()))
	}

	// The read loop ending on its own (no prior explicit Stop) is the
	// "Running | read EOF | Stopping" transition; if Stop already
	// applied it, this is a no-op by the race rule.
	if s.transition(session.StatusStopping()) {
		if perr := s.persist(); perr != nil {
			s.log.Warn("meta_persist_failed", slog.String("error", perr.Error()))
		}
	}
	s.cancel()

	s.reap()
	close(s.done)
}

func (s *Supervisor) reap() {
	type result struct {
		code int
		err  error
	}
	waitCh := make(chan result, 1)
	go func() {
		code, err := s.child.Wait()
		waitCh <- result{code, err}
	}()

	var res result
	select {
	case res = <-waitCh:
	case <-time.After(ReapTimeout):
		s.log.Warn("reap_timeout_escalating_to_kill")
		if err := s.child.Signal(ptychild.Kill); err != nil {
			s.log.Warn("signal_kill_failed", slog.String("error", err.Error()))
		}
		res = <-waitCh
	}

	if res.err != nil {
		s.log.Warn("child_wait_error", slog.String("error", res.err.Error()))
	}

	exitCode := res.code
	s.transition(session.StatusStopped(&exitCode))
	if err := s.persist(); err != nil {
		s.log.Warn("meta_persist_failed", slog.String("error", err.Error()))
	}

	if err := s.attach.Close(); err != nil {
		s.log.Warn("attach_close_failed", slog.String("error", err.Error()))
	}
	if err := s.ring.Close(); err != nil {
		s.log.Warn("ring_close_failed", slog.String("error", err.Error()))
	}
	if err := s.child.Close(); err != nil {
		s.log.Warn("child_close_failed", slog.String("error", err.Error()))
	}
}

func (s *Supervisor) finalizeFailed(reason string) {
	s.transition(session.StatusFailed(reason))
	if err := s.persist(); err != nil {
		s.log.Warn("meta_persist_failed", slog.String("error", err.Error()))
	}
	close(s.done)
}

// transition applies next to the current status iff the current status
// permits it (session.Status.CanTransition), under the metadata lock.
// It reports whether the transition was applied.
func (s *Supervisor) transition(next session.Status) bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if !s.meta.Status.CanTransition(next) {
		return false
	}
	s.meta = s.meta.WithStatus(next, time.Now())
	return true
}

// persist fsyncs meta.json alongside the session's log directory, per
// spec.md §4.5 ("every status transition fsyncs a new meta.json").
func (s *Supervisor) persist() error {
	meta := s.Meta()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	path := filepath.Join(s.sessionDir, "meta.json")
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open meta.json.tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write meta.json.tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync meta.json.tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close meta.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta.json: %w", err)
	}
	return nil
}
