// Package registry implements the Registry component of spec.md §4.6:
// a process-wide directory of sessions, responsible for create/get/
// list/stop and crash recovery of on-disk metadata.
//
// Grounded on original_source's SessionManager (session/manager.rs),
// which holds the same Arc<RwLock<HashMap<Uuid, ...>>> shape; the
// singleflight collapsing of concurrent List() scans follows the
// teacher repo's internal/tmux captureSf pattern (deduplicating
// concurrent subprocess/disk work behind one shared call).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/session"
	"github.com/lineforge/lineforge/internal/supervisor"
)

// ErrNotFound is returned when no session matches an id or prefix.
var ErrNotFound = errors.New("registry: session not found")

// ErrAmbiguousPrefix is returned when a prefix matches more than one
// session id.
var ErrAmbiguousPrefix = errors.New("registry: prefix matches more than one session")

// Registry is the process-wide map from SessionId to the live
// supervisor, plus the on-disk sessions directory used for crash
// recovery and listing terminated sessions.
type Registry struct {
	sessionsDir string
	sockDir     string
	log         *slog.Logger

	mu    sync.RWMutex
	live  map[session.ID]*supervisor.Supervisor
	listSf singleflight.Group
}

// New creates a Registry rooted at sessionsDir (persisted session
// metadata and logs) and sockDir (attach sockets).
func New(sessionsDir, sockDir string) *Registry {
	return &Registry{
		sessionsDir: sessionsDir,
		sockDir:     sockDir,
		log:         logging.ForComponent(logging.CompRegistry),
		live:        make(map[session.ID]*supervisor.Supervisor),
	}
}

// Create instantiates a Supervisor, waits for its Attach Server to be
// ready (Spawn itself blocks on that), inserts it into the live map,
// and returns its metadata.
func (r *Registry) Create(ctx context.Context, spec supervisor.Spec) (session.Meta, error) {
	if err := os.MkdirAll(r.sessionsDir, 0o755); err != nil {
		return session.Meta{}, fmt.Errorf("create sessions dir: %w", err)
	}
	if err := os.MkdirAll(r.sockDir, 0o755); err != nil {
		return session.Meta{}, fmt.Errorf("create socket dir: %w", err)
	}

	sup, err := supervisor.Spawn(ctx, spec, r.sessionsDir, r.sockDir, r.log)
	if err != nil {
		return session.Meta{}, err
	}

	r.mu.Lock()
	r.live[sup.ID()] = sup
	r.mu.Unlock()

	go r.reapWhenDone(sup)

	return sup.Meta(), nil
}

// reapWhenDone removes a supervisor from the live map once it has
// fully terminated, so List() falls back to reading its persisted
// meta.json instead of the (now-stale) in-memory handle.
func (r *Registry) reapWhenDone(sup *supervisor.Supervisor) {
	<-sup.Done()
	r.mu.Lock()
	delete(r.live, sup.ID())
	r.mu.Unlock()
}

// Resolve looks up a session by full id or unambiguous id prefix.
func (r *Registry) Resolve(idOrPrefix string) (session.ID, error) {
	if id, err := session.ParseID(idOrPrefix); err == nil {
		if _, ok := r.liveSupervisor(id); ok {
			return id, nil
		}
		if _, err := r.readPersistedMeta(id); err == nil {
			return id, nil
		}
		return session.ID{}, ErrNotFound
	}

	candidates := map[session.ID]struct{}{}
	for _, m := range r.allMetas() {
		if m.ID.HasPrefix(idOrPrefix) {
			candidates[m.ID] = struct{}{}
		}
	}
	switch len(candidates) {
	case 0:
		return session.ID{}, ErrNotFound
	case 1:
		for id := range candidates {
			return id, nil
		}
	}
	return session.ID{}, ErrAmbiguousPrefix
}

func (r *Registry) liveSupervisor(id session.ID) (*supervisor.Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.live[id]
	return sup, ok
}

// IsLive reports whether id is currently a live session, satisfying
// maintenance.LiveChecker so the retention sweep can exempt it
// regardless of its directory's mtime.
func (r *Registry) IsLive(id session.ID) bool {
	_, ok := r.liveSupervisor(id)
	return ok
}

// Get returns the metadata for id, consulting the live map first and
// falling back to the persisted meta.json for terminated sessions.
func (r *Registry) Get(id session.ID) (session.Meta, error) {
	if sup, ok := r.liveSupervisor(id); ok {
		return sup.Meta(), nil
	}
	return r.readPersistedMeta(id)
}

// GetSupervisor returns the live supervisor for id, or ErrNotFound if
// the session is not currently live (already terminated or unknown).
func (r *Registry) GetSupervisor(id session.ID) (*supervisor.Supervisor, error) {
	sup, ok := r.liveSupervisor(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sup, nil
}

// List merges live sessions with persisted-but-terminated ones,
// ordered by created-at descending. Concurrent List calls collapse
// into a single disk scan via singleflight, per spec.md §4.6's
// concurrency note that readers vastly outnumber writers.
func (r *Registry) List() ([]session.Meta, error) {
	v, err, _ := r.listSf.Do("list", func() (any, error) {
		return r.allMetas(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]session.Meta), nil
}

func (r *Registry) allMetas() []session.Meta {
	byID := make(map[session.ID]session.Meta)

	r.mu.RLock()
	for id, sup := range r.live {
		byID[id] = sup.Meta()
	}
	r.mu.RUnlock()

	entries, err := os.ReadDir(r.sessionsDir)
	if err != nil && !os.IsNotExist(err) {
		r.log.Warn("sessions_dir_scan_failed", slog.String("error", err.Error()))
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := session.ParseID(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := byID[id]; ok {
			continue // live supervisor's in-memory meta is authoritative
		}
		meta, err := r.readPersistedMeta(id)
		if err != nil {
			continue
		}
		byID[id] = meta
	}

	out := make([]session.Meta, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) readPersistedMeta(id session.ID) (session.Meta, error) {
	path := filepath.Join(r.sessionsDir, id.String(), "meta.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var meta session.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return session.Meta{}, fmt.Errorf("unmarshal meta.json for %s: %w", id, err)
	}
	return meta, nil
}

// Stop forwards to the session's Supervisor. A session that is not
// live (already terminated, or never existed) is a no-op returning
// success, per spec.md §8's idempotence requirement.
func (r *Registry) Stop(id session.ID) error {
	sup, ok := r.liveSupervisor(id)
	if !ok {
		return nil
	}
	return sup.Stop()
}

// RestoreOnStartup scans the persisted sessions directory, rewrites
// any Running/Stopping meta.json to Stopped{exit_code: unknown}, and
// removes stale attach sockets left behind by a crash, per spec.md
// §3's crash recovery rule and §4.6's restore_on_startup operation.
func (r *Registry) RestoreOnStartup() error {
	entries, err := os.ReadDir(r.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan sessions dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := session.ParseID(entry.Name())
		if err != nil {
			continue
		}
		if err := r.restoreOne(id); err != nil {
			r.log.Warn("restore_session_failed", slog.String("session_id", id.String()), slog.String("error", err.Error()))
		}
	}

	r.removeStaleSockets()
	return nil
}

func (r *Registry) restoreOne(id session.ID) error {
	meta, err := r.readPersistedMeta(id)
	if err != nil {
		return err
	}
	if meta.Status.Phase != session.PhaseRunning && meta.Status.Phase != session.PhaseStopping {
		return nil
	}

	meta = meta.WithStatus(session.StatusStopped(nil), meta.StatusAt)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restored meta: %w", err)
	}
	path := filepath.Join(r.sessionsDir, id.String(), "meta.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write restored meta: %w", err)
	}
	r.log.Info("session_restored_stopped", slog.String("session_id", id.String()))
	return nil
}

func (r *Registry) removeStaleSockets() {
	entries, err := os.ReadDir(r.sockDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		if err := os.Remove(filepath.Join(r.sockDir, name)); err != nil {
			r.log.Warn("stale_socket_remove_failed", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
}
