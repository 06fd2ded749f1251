// Package attachserver implements spec.md §4.4: a per-session local
// stream-socket listener accepting attach clients. Each client both
// consumes the output stream (ring snapshot, then live tail) and feeds
// the Input Mux, with one reserved sentinel byte (0x1D) producing
// local-detach semantics.
//
// Grounded on original_source/src/session/manager.rs's
// run_attach_listener: subscribing before fetching the snapshot (so no
// entry produced in between is missed), then deduplicating the
// snapshot/live boundary by sequence number rather than by timing.
package attachserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/lineforge/lineforge/internal/inputmux"
	"github.com/lineforge/lineforge/internal/logring"
)

// DetachByte is the in-band sentinel that disconnects a client without
// terminating the session, per spec.md §4.4 and §6.
const DetachByte byte = 0x1D

// Server listens on a Unix domain socket for attach clients.
type Server struct {
	path string
	ln   net.Listener
	ring *logring.Ring
	mux  *inputmux.Mux
	log  *slog.Logger

	mu       sync.Mutex
	nextID   int
	clientWG sync.WaitGroup
}

// Listen removes any stale socket file at path (e.g. left behind by a
// crash) and binds a new listener. Spawn does not return to its caller
// until Listen has succeeded, satisfying the readiness contract in
// spec.md §4.4.
func Listen(path string, ring *logring.Ring, mux *inputmux.Mux, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	_ = os.Remove(path) // stale file from a prior crash

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind attach socket %s: %w", path, err)
	}
	return &Server{path: path, ln: ln, ring: ring, mux: mux, log: log}, nil
}

// Serve accepts clients until ctx is cancelled, at which point it stops
// accepting and closes existing client streams (their reads see EOF,
// not a reset), per spec.md §5.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("attach_accept_failed", slog.String("error", err.Error()))
			continue
		}
		s.mu.Lock()
		id := s.nextID
		s.nextID++
		s.mu.Unlock()

		s.clientWG.Add(1)
		go s.handleClient(ctx, conn, id)
	}
	s.clientWG.Wait()
}

// Close stops the listener and removes the socket file, per spec.md
// §4.4's "socket file is created on spawn and removed on stop."
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn, id int) {
	defer s.clientWG.Done()
	defer conn.Close()

	clientLog := s.log.With(slog.Int("client_id", id))
	clientLog.Debug("attach_client_connected")

	// Subscribe before fetching the snapshot so no entry produced
	// between the two calls is missed.
	live, unsubscribe := s.ring.Subscribe()
	defer unsubscribe()

	firstAvail, entries := s.ring.Snapshot()
	lastDelivered := firstAvail - 1
	for _, e := range entries {
		if _, err := conn.Write(e.Bytes); err != nil {
			clientLog.Debug("attach_client_write_failed_during_snapshot")
			return
		}
		lastDelivered = e.Sequence
	}

	inputDone := make(chan struct{})
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close() // ends forwardInput's Read; the client sees EOF
				return
			case <-inputDone:
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				if msg.Entry == nil {
					continue // gap: the raw attach wire has no framing for it
				}
				if msg.Entry.Sequence <= lastDelivered {
					continue // already delivered via the snapshot
				}
				lastDelivered = msg.Entry.Sequence
				if _, err := conn.Write(msg.Entry.Bytes); err != nil {
					return
				}
			}
		}
	}()

	s.forwardInput(ctx, conn, clientLog)
	close(inputDone)
	_ = conn.Close() // unblocks the output goroutine's pending Write
	<-outputDone
	clientLog.Debug("attach_client_disconnected")
}

func (s *Server) forwardInput(ctx context.Context, conn net.Conn, log *slog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := indexOfByte(chunk, DetachByte); idx >= 0 {
				if idx > 0 {
					s.submit(ctx, chunk[:idx], log)
				}
				return // local detach: disconnect without touching the session
			}
			s.submit(ctx, chunk, log)
		}
		if err != nil {
			return // EOF or read error: client disconnected
		}
	}
}

func (s *Server) submit(ctx context.Context, data []byte, log *slog.Logger) {
	sent := append([]byte(nil), data...)
	if err := s.mux.Submit(ctx, sent); err != nil {
		log.Debug("attach_input_submit_failed", slog.String("error", err.Error()))
	}
}

func indexOfByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}
