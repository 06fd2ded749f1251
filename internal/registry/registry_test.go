package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lineforge/lineforge/internal/session"
)

func writePersistedMeta(t *testing.T, sessionsDir string, meta session.Meta) {
	dir := filepath.Join(sessionsDir, meta.ID.String())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644))
}

func TestResolveByFullIDAndPrefix(t *testing.T) {
	sessionsDir := t.TempDir()
	sockDir := t.TempDir()
	r := New(sessionsDir, sockDir)

	id := session.NewID()
	now := time.Now()
	writePersistedMeta(t, sessionsDir, session.Meta{
		ID: id, Tool: session.ToolClaude, CreatedAt: now,
		Status: session.StatusStopped(nil), StatusAt: now,
	})

	got, err := r.Resolve(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = r.Resolve(id.String()[:8])
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	sessionsDir := t.TempDir()
	sockDir := t.TempDir()
	r := New(sessionsDir, sockDir)

	now := time.Now()
	var shared string
	var idA, idB session.ID
	for {
		idA = session.NewID()
		idB = session.NewID()
		if idA.String()[0] == idB.String()[0] {
			shared = idA.String()[:1]
			break
		}
	}
	writePersistedMeta(t, sessionsDir, session.Meta{ID: idA, Tool: session.ToolClaude, CreatedAt: now, Status: session.StatusStopped(nil), StatusAt: now})
	writePersistedMeta(t, sessionsDir, session.Meta{ID: idB, Tool: session.ToolClaude, CreatedAt: now, Status: session.StatusStopped(nil), StatusAt: now})

	_, err := r.Resolve(shared)
	require.ErrorIs(t, err, ErrAmbiguousPrefix)
}

func TestResolveNotFound(t *testing.T) {
	r := New(t.TempDir(), t.TempDir())
	_, err := r.Resolve(session.NewID().String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersByCreatedAtDescending(t *testing.T) {
	sessionsDir := t.TempDir()
	r := New(sessionsDir, t.TempDir())

	older := session.NewID()
	newer := session.NewID()
	writePersistedMeta(t, sessionsDir, session.Meta{
		ID: older, Tool: session.ToolClaude, CreatedAt: time.Now().Add(-time.Hour),
		Status: session.StatusStopped(nil), StatusAt: time.Now(),
	})
	writePersistedMeta(t, sessionsDir, session.Meta{
		ID: newer, Tool: session.ToolCodex, CreatedAt: time.Now(),
		Status: session.StatusStopped(nil), StatusAt: time.Now(),
	})

	metas, err := r.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, newer, metas[0].ID)
	require.Equal(t, older, metas[1].ID)
}

func TestRestoreOnStartupRewritesRunningAndStopping(t *testing.T) {
	sessionsDir := t.TempDir()
	sockDir := t.TempDir()
	r := New(sessionsDir, sockDir)

	running := session.NewID()
	stopping := session.NewID()
	stopped := session.NewID()
	now := time.Now()
	writePersistedMeta(t, sessionsDir, session.Meta{ID: running, Tool: session.ToolClaude, CreatedAt: now, Status: session.StatusRunning(), StatusAt: now})
	writePersistedMeta(t, sessionsDir, session.Meta{ID: stopping, Tool: session.ToolClaude, CreatedAt: now, Status: session.StatusStopping(), StatusAt: now})
	writePersistedMeta(t, sessionsDir, session.Meta{ID: stopped, Tool: session.ToolClaude, CreatedAt: now, Status: session.StatusStopped(nil), StatusAt: now})

	require.NoError(t, os.WriteFile(filepath.Join(sockDir, running.String()+".sock"), []byte{}, 0o644))

	require.NoError(t, r.RestoreOnStartup())

	gotRunning, err := r.readPersistedMeta(running)
	require.NoError(t, err)
	require.Equal(t, session.PhaseStopped, gotRunning.Status.Phase)

	gotStopping, err := r.readPersistedMeta(stopping)
	require.NoError(t, err)
	require.Equal(t, session.PhaseStopped, gotStopping.Status.Phase)

	gotStopped, err := r.readPersistedMeta(stopped)
	require.NoError(t, err)
	require.Equal(t, session.PhaseStopped, gotStopped.Status.Phase)

	_, err = os.Stat(filepath.Join(sockDir, running.String()+".sock"))
	require.True(t, os.IsNotExist(err))
}

func TestStopOnUnknownSessionIsNoop(t *testing.T) {
	r := New(t.TempDir(), t.TempDir())
	require.NoError(t, r.Stop(session.NewID()))
}
