// Package maintenance implements the retention sweep of SPEC_FULL.md
// §4.12: a ticker-driven pass that removes persisted session
// directories older than the configured retention window, skipping
// any session the Registry still considers live.
//
// Grounded on agent-deck's internal/session/global_search.go, which
// throttles a background indexing pass with a golang.org/x/time/rate
// limiter sized the same way (rate.NewLimiter(rate.Limit(n), burst)).
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/session"
)

// DefaultInterval is how often the sweep runs when Sweeper.Run is
// used unconfigured.
const DefaultInterval = time.Hour

// defaultDeletionsPerSecond bounds how fast the sweep removes
// directories, so a large backlog of expired sessions doesn't spike
// disk I/O alongside live PTY traffic.
const defaultDeletionsPerSecond = 2

// LiveChecker reports whether a session id is currently live, so the
// sweep can skip its directory regardless of mtime.
type LiveChecker interface {
	IsLive(id session.ID) bool
}

// Sweeper periodically removes expired session directories.
type Sweeper struct {
	sessionsDir string
	retention   time.Duration
	interval    time.Duration
	live        LiveChecker
	limiter     *rate.Limiter
	log         *slog.Logger
}

// New builds a Sweeper that removes session directories under
// sessionsDir whose modification time is older than retention.
// retention <= 0 disables deletion (the sweep still runs but removes
// nothing), matching spec.md's "zero disables the sweep" semantics.
func New(sessionsDir string, retention time.Duration, live LiveChecker) *Sweeper {
	return &Sweeper{
		sessionsDir: sessionsDir,
		retention:   retention,
		interval:    DefaultInterval,
		live:        live,
		limiter:     rate.NewLimiter(rate.Limit(defaultDeletionsPerSecond), defaultDeletionsPerSecond),
		log:         logging.ForComponent(logging.CompMaintenance),
	}
}

// WithInterval overrides the default sweep interval (tests use a
// short one).
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	s.interval = d
	return s
}

// Run blocks, sweeping once immediately and then on every tick, until
// ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single pass over sessionsDir, removing expired,
// non-live session directories.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.retention <= 0 {
		return
	}

	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("sweep_readdir_failed", slog.String("error", err.Error()))
		}
		return
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := session.ParseID(entry.Name())
		if err != nil {
			continue
		}
		if s.live.IsLive(id) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		dir := filepath.Join(s.sessionsDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("sweep_remove_failed", slog.String("session_id", id.String()), slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("sweep_completed", slog.Int("removed", removed))
	}
}
