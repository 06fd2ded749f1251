// Package sidecar defines the seam between the core and an external
// collaborator that extracts chat-shaped state from Claude's raw byte
// stream. Per spec.md §1, parsing assistant-specific markers out of
// that stream is explicitly out of scope for the core; this package
// only ships the interface the Supervisor calls and a no-op
// implementation.
package sidecar

import "github.com/lineforge/lineforge/internal/logring"

// Hook observes every Log Ring entry appended for a Claude-tool
// session. Implementations must not block the caller for long; the
// Supervisor invokes Observe synchronously from its read loop.
type Hook interface {
	Observe(entry logring.Entry)
}

// Noop is the core's shipped Hook: it does nothing. A real chat-state
// extractor is a collaborator's concern, not the core's.
type Noop struct{}

// Observe implements Hook by discarding the entry.
func (Noop) Observe(logring.Entry) {}
