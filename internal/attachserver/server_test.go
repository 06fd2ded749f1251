package attachserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lineforge/lineforge/internal/inputmux"
	"github.com/lineforge/lineforge/internal/logring"
)

func newTestServer(t *testing.T) (*Server, string, *logring.Ring, *inputmux.Mux) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "attach.sock")

	ring := logring.New(16, filepath.Join(dir, "log.jsonl"), nil)
	t.Cleanup(func() { ring.Close() })

	var collected []byte
	w := &collectingWriter{}
	mux := inputmux.New(w)

	s, err := Listen(sockPath, ring, mux, nil)
	require.NoError(t, err)

	_ = collected
	return s, sockPath, ring, mux
}

type collectingWriter struct {
	data []byte
}

func (w *collectingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func TestListenRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "attach.sock")
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0o644))

	ring := logring.New(16, filepath.Join(dir, "log.jsonl"), nil)
	defer ring.Close()
	mux := inputmux.New(&collectingWriter{})

	s, err := Listen(sockPath, ring, mux, nil)
	require.NoError(t, err)
	defer s.Close()
}

func TestAttachClientReceivesSnapshotThenLive(t *testing.T) {
	s, sockPath, ring, _ := newTestServer(t)
	defer s.Close()

	ring.Append([]byte("before-connect"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "before-connect", string(buf[:n]))

	ring.Append([]byte("after-connect"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "after-connect", string(buf[:n]))
}

func TestAttachClientInputForwardedToMux(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "attach.sock")
	ring := logring.New(16, filepath.Join(dir, "log.jsonl"), nil)
	defer ring.Close()

	w := &collectingWriter{}
	mux := inputmux.New(w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	s, err := Listen(sockPath, ring, mux, nil)
	require.NoError(t, err)
	defer s.Close()
	go s.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(w.data) == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestAttachClientDetachByteDisconnectsWithoutKillingSession(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "attach.sock")
	ring := logring.New(16, filepath.Join(dir, "log.jsonl"), nil)
	defer ring.Close()

	w := &collectingWriter{}
	mux := inputmux.New(w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Run(ctx)

	s, err := Listen(sockPath, ring, mux, nil)
	require.NoError(t, err)
	defer s.Close()
	go s.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	_, err = conn.Write([]byte{'a', 'b', DetachByte, 'c'})
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err) // EOF: server closed this client's stream

	require.Eventually(t, func() bool {
		return string(w.data) == "ab"
	}, time.Second, 5*time.Millisecond)
}

func TestServeStopsAcceptingOnContextCancel(t *testing.T) {
	s, sockPath, _, _ := newTestServer(t)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	_, err := net.Dial("unix", sockPath)
	require.Error(t, err)
}
