// Package inputmux implements the Input Mux component of spec.md §4.3:
// a single bounded channel that serializes byte chunks from multiple
// concurrent producers (HTTP input endpoint, attach clients, browser
// key events) into one writer, the PTY Child's write half.
package inputmux

import (
	"context"
	"errors"
	"io"
	"time"
)

const channelCapacity = 256

// ErrBackpressure is returned by SubmitWithDeadline when the channel
// stayed full for the whole deadline window, per spec.md §4.3 ("HTTP
// producers surface a 503 after a 2s deadline rather than wait
// indefinitely").
var ErrBackpressure = errors.New("input mux: producer backpressure deadline exceeded")

// HTTPDeadline is the default deadline HTTP producers should apply
// before surfacing ErrBackpressure as a 503.
const HTTPDeadline = 2 * time.Second

// Mux serializes writes from many producers into a single writer.
// FIFO is preserved per-producer (each producer's Submit calls enqueue
// in the order issued); across producers the interleave is arbitrary,
// determined by arrival order at the channel.
type Mux struct {
	writer io.Writer
	ch     chan []byte
}

// New creates a Mux writing to writer (the PTY Child's write half).
// Call Run in its own goroutine to start draining.
func New(writer io.Writer) *Mux {
	return &Mux{writer: writer, ch: make(chan []byte, channelCapacity)}
}

// Submit enqueues data, blocking until there is room or ctx is
// cancelled.
func (m *Mux) Submit(ctx context.Context, data []byte) error {
	select {
	case m.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitWithDeadline enqueues data, returning ErrBackpressure if the
// channel is still full after deadline. Intended for HTTP producers
// per spec.md §4.3.
func (m *Mux) SubmitWithDeadline(ctx context.Context, data []byte, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := m.Submit(ctx, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrBackpressure
		}
		return err
	}
	return nil
}

// Run drains the channel into the writer until ctx is cancelled, then
// drains whatever is already buffered (without accepting new Submits,
// since the caller is expected to stop calling Submit once it cancels
// ctx) before returning. Run does not close the writer; the owner of
// the write half (the supervisor, for the PTY) closes it.
func (m *Mux) Run(ctx context.Context) {
	for {
		select {
		case data := <-m.ch:
			m.write(data)
		case <-ctx.Done():
			m.drain()
			return
		}
	}
}

func (m *Mux) drain() {
	for {
		select {
		case data := <-m.ch:
			m.write(data)
		default:
			return
		}
	}
}

func (m *Mux) write(data []byte) {
	if len(data) == 0 {
		return
	}
	_, _ = m.writer.Write(data)
}
