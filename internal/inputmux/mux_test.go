package inputmux

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestSubmitWritesInFIFOOrderPerProducer(t *testing.T) {
	w := &syncWriter{}
	m := New(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Submit(context.Background(), []byte("a")))
	require.NoError(t, m.Submit(context.Background(), []byte("b")))
	require.NoError(t, m.Submit(context.Background(), []byte("c")))

	require.Eventually(t, func() bool {
		return w.String() == "abc"
	}, time.Second, time.Millisecond)
}

func TestSubmitWithDeadlineTimesOutWhenFull(t *testing.T) {
	w := &syncWriter{}
	m := New(w)
	// Do not start Run: the channel will fill and never drain.

	for i := 0; i < channelCapacity; i++ {
		require.NoError(t, m.Submit(context.Background(), []byte("x")))
	}

	err := m.SubmitWithDeadline(context.Background(), []byte("overflow"), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrBackpressure)
}

func TestRunDrainsBufferedInputsOnCancellation(t *testing.T) {
	w := &syncWriter{}
	m := New(w)

	require.NoError(t, m.Submit(context.Background(), []byte("buffered")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, "buffered", w.String())
}
