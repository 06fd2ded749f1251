// Package session defines the data model shared across Lineforge's core
// components: session identifiers, tool kinds, status transitions, and the
// persisted session metadata envelope.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit session identifier, generated randomly and
// rendered as a hyphenated hex string (RFC 4122 text form).
type ID uuid.UUID

// NewID generates a fresh random session ID.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ParseID parses the canonical hyphenated-hex form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse session id %q: %w", s, err)
	}
	return ID(u), nil
}

// HasPrefix reports whether the id's string form starts with prefix,
// case-insensitively, for CLI prefix resolution.
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(id.String(), strings.ToLower(prefix))
}

// ToolKind names the AI coding assistant hosted by a session.
type ToolKind string

const (
	ToolClaude ToolKind = "claude"
	ToolCodex  ToolKind = "codex"
)

// BinaryName returns the executable name launched for this tool.
func (t ToolKind) BinaryName() string {
	switch t {
	case ToolClaude:
		return "claude"
	case ToolCodex:
		return "codex"
	default:
		return string(t)
	}
}

// YoloFlag returns the tool-specific flag that disables interactive
// tool-approval prompts, per spec.md's "yolo mode".
func (t ToolKind) YoloFlag() string {
	switch t {
	case ToolClaude:
		return "--dangerously-skip-permissions"
	case ToolCodex:
		return "--yolo"
	default:
		return ""
	}
}

// ParseToolKind validates a tool kind supplied by a caller (HTTP body,
// CLI flag, or config default_tool).
func ParseToolKind(s string) (ToolKind, error) {
	switch ToolKind(strings.ToLower(strings.TrimSpace(s))) {
	case ToolClaude:
		return ToolClaude, nil
	case ToolCodex:
		return ToolCodex, nil
	default:
		return "", fmt.Errorf("unknown tool %q: expected %q or %q", s, ToolClaude, ToolCodex)
	}
}

// Phase is the coarse state-machine phase of a session, independent of
// any terminal detail (exit code / failure reason).
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// Status is the tagged SessionStatus variant from spec.md §3: a Phase
// plus the detail carried by the terminal variants.
type Status struct {
	Phase Phase `json:"phase"`

	// ExitCode is set when Phase == PhaseStopped and the child's exit
	// code is known; nil means "unknown" (e.g. after crash recovery).
	ExitCode *int `json:"exit_code,omitempty"`

	// Reason is set when Phase == PhaseFailed.
	Reason string `json:"reason,omitempty"`
}

func StatusStarting() Status { return Status{Phase: PhaseStarting} }
func StatusRunning() Status  { return Status{Phase: PhaseRunning} }
func StatusStopping() Status { return Status{Phase: PhaseStopping} }

func StatusStopped(exitCode *int) Status {
	return Status{Phase: PhaseStopped, ExitCode: exitCode}
}

func StatusFailed(reason string) Status {
	return Status{Phase: PhaseFailed, Reason: reason}
}

// Terminal reports whether the phase admits no further transitions.
func (s Status) Terminal() bool {
	return s.Phase == PhaseStopped || s.Phase == PhaseFailed
}

// CanTransition reports whether moving from s to next is legal under
// spec.md §4.5's state machine table and its stop/exit race rule: once
// terminal (Stopped or Failed), no further transition is ever legal,
// and Failed is reachable only from Starting (a spawn-time failure) —
// never after Running, which is the guarantee that lets the supervisor
// treat an explicit stop and a reader-observed EOF as commutative.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s.Phase {
	case PhaseStarting:
		switch next.Phase {
		case PhaseRunning, PhaseFailed, PhaseStopping:
			return true
		}
	case PhaseRunning:
		return next.Phase == PhaseStopping
	case PhaseStopping:
		return next.Phase == PhaseStopped
	}
	return false
}

// Meta is the persisted per-session envelope from spec.md §3.
type Meta struct {
	ID          ID        `json:"id"`
	Label       string    `json:"label"`
	Tool        ToolKind  `json:"tool"`
	WorkingDir  string    `json:"working_dir"`
	ArgvTail    []string  `json:"argv_tail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
	StatusAt    time.Time `json:"status_at"`
}

// WithStatus returns a copy of m with status and status_at updated. It
// does not check CanTransition; callers enforce that at the call site
// where the previous status is known under lock.
func (m Meta) WithStatus(s Status, at time.Time) Meta {
	m.Status = s
	m.StatusAt = at
	return m
}
